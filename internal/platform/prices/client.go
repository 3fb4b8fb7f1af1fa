// Package prices fetches token quotes from a CoinGecko-compatible simple
// price API, with a cache in front and a distributed rate limit on the
// outbound calls so a fleet of oracles stays inside the provider's quota.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bandforband/dueld/internal/domain"
)

const rateLimitKey = "prices:outbound"

// Config tunes the price client.
type Config struct {
	BaseURL    string
	Currency   string // quote currency, e.g. "usd"
	RateLimit  int    // max outbound requests per RateWindow
	RateWindow time.Duration
	Timeout    time.Duration
}

// Client implements domain.PriceSource. Lookups hit the cache first; a miss
// goes to the upstream API and back-fills the cache. When the rate limit is
// exhausted a miss returns domain.ErrRateLimited rather than queueing, so a
// valuation sweep degrades to zero contributions instead of stalling.
type Client struct {
	baseURL    string
	currency   string
	rateLimit  int
	rateWindow time.Duration

	httpClient *http.Client
	cache      domain.PriceCache
	limiter    domain.RateLimiter
	logger     *slog.Logger
}

// New creates a price Client. cache and limiter may be nil, in which case
// every lookup goes upstream unthrottled.
func New(cfg Config, cache domain.PriceCache, limiter domain.RateLimiter, logger *slog.Logger) *Client {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 30
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		currency:   cfg.Currency,
		rateLimit:  cfg.RateLimit,
		rateWindow: cfg.RateWindow,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      cache,
		limiter:    limiter,
		logger:     logger.With(slog.String("component", "prices")),
	}
}

// Price returns the latest quote for an asset in the configured currency.
func (c *Client) Price(ctx context.Context, assetID string) (float64, error) {
	if c.cache != nil {
		price, _, err := c.cache.GetPrice(ctx, assetID)
		if err == nil {
			return price, nil
		}
	}

	if c.limiter != nil {
		allowed, err := c.limiter.Allow(ctx, rateLimitKey, c.rateLimit, c.rateWindow)
		if err != nil {
			return 0, fmt.Errorf("prices: rate limit check: %w", err)
		}
		if !allowed {
			return 0, fmt.Errorf("prices: quote %s: %w", assetID, domain.ErrRateLimited)
		}
	}

	price, err := c.fetch(ctx, assetID)
	if err != nil {
		return 0, err
	}

	if c.cache != nil {
		if err := c.cache.SetPrice(ctx, assetID, price, time.Now().UTC()); err != nil {
			c.logger.DebugContext(ctx, "price cache write failed",
				slog.String("asset", assetID),
				slog.String("error", err.Error()),
			)
		}
	}
	return price, nil
}

func (c *Client) fetch(ctx context.Context, assetID string) (float64, error) {
	params := url.Values{}
	params.Set("ids", assetID)
	params.Set("vs_currencies", c.currency)

	reqURL := c.baseURL + "/simple/price?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, fmt.Errorf("prices: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("prices: quote %s: %w", assetID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("prices: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("prices: quote %s: status %d: %s", assetID, resp.StatusCode, body)
	}

	// Response shape: {"<assetID>": {"<currency>": 123.45}}
	var decoded map[string]map[string]float64
	if err := json.Unmarshal(body, &decoded); err != nil {
		return 0, fmt.Errorf("prices: decode response: %w", err)
	}

	quotes, ok := decoded[assetID]
	if !ok {
		return 0, fmt.Errorf("prices: quote %s: %w", assetID, domain.ErrNotFound)
	}
	price, ok := quotes[c.currency]
	if !ok {
		return 0, fmt.Errorf("prices: quote %s in %s: %w", assetID, c.currency, domain.ErrNotFound)
	}
	return price, nil
}

// Compile-time interface check.
var _ domain.PriceSource = (*Client)(nil)
