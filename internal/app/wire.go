package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	s3blob "github.com/bandforband/dueld/internal/blob/s3"
	"github.com/bandforband/dueld/internal/cache/redis"
	"github.com/bandforband/dueld/internal/config"
	"github.com/bandforband/dueld/internal/crypto"
	"github.com/bandforband/dueld/internal/domain"
	"github.com/bandforband/dueld/internal/engine"
	"github.com/bandforband/dueld/internal/ledger"
	"github.com/bandforband/dueld/internal/notify"
	"github.com/bandforband/dueld/internal/platform/evm"
	"github.com/bandforband/dueld/internal/platform/prices"
	"github.com/bandforband/dueld/internal/store/postgres"
	"github.com/bandforband/dueld/internal/valuation"
)

// Dependencies bundles every domain-level dependency the application needs
// to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	DuelStore     domain.DuelStore
	ProtocolStore domain.ProtocolStore
	AccountStore  domain.AccountStore
	AuditStore    domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Escrow engine with state recovered from the stores.
	Engine *engine.Engine

	// Oracle dependencies
	Valuator domain.Valuator
	Attestor *crypto.Attestor

	// Blob storage; nil unless archival is enabled.
	Archiver *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	// Run migrations if enabled.
	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.DuelStore = postgres.NewDuelStore(pool)
	deps.ProtocolStore = postgres.NewProtocolStore(pool)
	deps.AccountStore = postgres.NewAccountStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Oracle dependencies ---
	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:           cfg.Oracle.Secret,
		EncryptedSecretPath: cfg.Oracle.EncryptedSecretPath,
		SecretPassword:      cfg.Oracle.SecretPassword,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: oracle secret: %w", err)
	}
	attestor, err := crypto.NewAttestor(cfg.Oracle.ID, secret)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: attestor: %w", err)
	}
	deps.Attestor = attestor

	wallets, err := evm.New(ctx, cfg.Chain.RPCURL, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: evm client: %w", err)
	}
	closers = append(closers, wallets.Close)

	priceClient := prices.New(prices.Config{
		BaseURL:    cfg.Prices.BaseURL,
		Currency:   cfg.Prices.Currency,
		RateLimit:  cfg.Prices.RateLimit,
		RateWindow: cfg.Prices.RateWindow.Duration,
		Timeout:    cfg.Prices.Timeout.Duration,
	}, deps.PriceCache, deps.RateLimiter, logger)

	deps.Valuator = valuation.New(wallets, priceClient, logger)

	// --- Escrow engine, with state recovered from the stores ---
	funds := ledger.New()
	balances, err := deps.AccountStore.ListBalances(ctx)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: recover balances: %w", err)
	}
	funds.Load(balances)

	eng := engine.New(engine.Config{
		Funds:         funds,
		Valuator:      deps.Valuator,
		Attestor:      deps.Attestor,
		DuelStore:     deps.DuelStore,
		ProtocolStore: deps.ProtocolStore,
		AccountStore:  deps.AccountStore,
		AuditStore:    deps.AuditStore,
		Bus:           deps.SignalBus,
		Logger:        logger,
	})

	var protocol *domain.Protocol
	switch p, err := deps.ProtocolStore.Get(ctx); {
	case err == nil:
		protocol = &p
	case errors.Is(err, domain.ErrNotInitialized):
		// fresh deployment, nothing to recover
	default:
		cleanup()
		return nil, nil, fmt.Errorf("wire: recover protocol: %w", err)
	}
	duels, err := deps.DuelStore.List(ctx, domain.ListOpts{})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: recover duels: %w", err)
	}
	eng.LoadState(protocol, duels)
	deps.Engine = eng

	// --- S3 archival (only when enabled) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.DuelStore,
			cfg.Archive.Retention.Duration,
			cfg.Archive.Interval.Duration,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
