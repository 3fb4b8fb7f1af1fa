package prices

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bandforband/dueld/internal/domain"
)

type memCache struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newMemCache() *memCache {
	return &memCache{prices: make(map[string]float64)}
}

func (m *memCache) SetPrice(_ context.Context, assetID string, price float64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[assetID] = price
	return nil
}

func (m *memCache) GetPrice(_ context.Context, assetID string) (float64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[assetID]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}

type memLimiter struct {
	allowed bool
}

func (m *memLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return m.allowed, nil
}

func newClient(baseURL string, cache domain.PriceCache, limiter domain.RateLimiter) *Client {
	return New(Config{BaseURL: baseURL}, cache, limiter,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func priceServer(t *testing.T, hits *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		assert.Equal(t, "/simple/price", r.URL.Path)
		id := r.URL.Query().Get("ids")
		if id == "unknown" {
			fmt.Fprint(w, `{}`)
			return
		}
		fmt.Fprintf(w, `{"%s":{"usd":1234.5}}`, id)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPriceFetchesAndCaches(t *testing.T) {
	hits := 0
	srv := priceServer(t, &hits)
	cache := newMemCache()
	c := newClient(srv.URL, cache, nil)

	price, err := c.Price(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, 1234.5, price)
	assert.Equal(t, 1, hits)

	// Second lookup is served from the cache.
	price, err = c.Price(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, 1234.5, price)
	assert.Equal(t, 1, hits)
}

func TestPriceUnknownAsset(t *testing.T) {
	hits := 0
	srv := priceServer(t, &hits)
	c := newClient(srv.URL, nil, nil)

	_, err := c.Price(context.Background(), "unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPriceRateLimited(t *testing.T) {
	hits := 0
	srv := priceServer(t, &hits)
	c := newClient(srv.URL, nil, &memLimiter{allowed: false})

	_, err := c.Price(context.Background(), "ethereum")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 0, hits, "rate-limited lookup must not go upstream")
}

func TestPriceCacheHitSkipsLimiter(t *testing.T) {
	hits := 0
	srv := priceServer(t, &hits)
	cache := newMemCache()
	require.NoError(t, cache.SetPrice(context.Background(), "ethereum", 999.0, time.Now()))

	c := newClient(srv.URL, cache, &memLimiter{allowed: false})
	price, err := c.Price(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, 999.0, price)
	assert.Equal(t, 0, hits)
}

func TestPriceUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := newClient(srv.URL, nil, nil)
	_, err := c.Price(context.Background(), "ethereum")
	assert.ErrorContains(t, err, "status 502")
}
