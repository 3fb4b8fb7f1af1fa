package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DUELD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DUELD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Protocol ──
	setStr(&cfg.Protocol.Authority, "DUELD_PROTOCOL_AUTHORITY")
	setStr(&cfg.Protocol.Treasury, "DUELD_PROTOCOL_TREASURY")
	setInt(&cfg.Protocol.FeeBps, "DUELD_PROTOCOL_FEE_BPS")

	// ── Oracle ──
	setStr(&cfg.Oracle.ID, "DUELD_ORACLE_ID")
	setStr(&cfg.Oracle.Secret, "DUELD_ORACLE_SECRET")
	setStr(&cfg.Oracle.EncryptedSecretPath, "DUELD_ORACLE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Oracle.SecretPassword, "DUELD_ORACLE_SECRET_PASSWORD")
	setDuration(&cfg.Oracle.PositionInterval, "DUELD_ORACLE_POSITION_INTERVAL")
	setDuration(&cfg.Oracle.SettlementInterval, "DUELD_ORACLE_SETTLEMENT_INTERVAL")
	setInt(&cfg.Oracle.MaxConcurrent, "DUELD_ORACLE_MAX_CONCURRENT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DUELD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "DUELD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DUELD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DUELD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DUELD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DUELD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DUELD_POSTGRES_SSLMODE")
	setStr(&cfg.Postgres.SSLMode, "DUELD_POSTGRES_SSL_MODE") // compatibility alias
	setInt(&cfg.Postgres.PoolMaxConns, "DUELD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "DUELD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DUELD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "DUELD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DUELD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DUELD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DUELD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "DUELD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "DUELD_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.PriceTTL, "DUELD_REDIS_PRICE_TTL")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "DUELD_CHAIN_RPC_URL")

	// ── Prices ──
	setStr(&cfg.Prices.BaseURL, "DUELD_PRICES_BASE_URL")
	setStr(&cfg.Prices.Currency, "DUELD_PRICES_CURRENCY")
	setInt(&cfg.Prices.RateLimit, "DUELD_PRICES_RATE_LIMIT")
	setDuration(&cfg.Prices.RateWindow, "DUELD_PRICES_RATE_WINDOW")
	setDuration(&cfg.Prices.Timeout, "DUELD_PRICES_TIMEOUT")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "DUELD_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Retention, "DUELD_ARCHIVE_RETENTION")
	setDuration(&cfg.Archive.Interval, "DUELD_ARCHIVE_INTERVAL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "DUELD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DUELD_S3_REGION")
	setStr(&cfg.S3.Bucket, "DUELD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DUELD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DUELD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "DUELD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "DUELD_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "DUELD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "DUELD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "DUELD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "DUELD_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "DUELD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "DUELD_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DUELD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DUELD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DUELD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "DUELD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "DUELD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
