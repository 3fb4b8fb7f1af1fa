// Package server exposes the HTTP and WebSocket API over the escrow engine.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bandforband/dueld/internal/domain"
	"github.com/bandforband/dueld/internal/server/handler"
	"github.com/bandforband/dueld/internal/server/middleware"
	"github.com/bandforband/dueld/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	RateLimiter     domain.RateLimiter // nil disables per-client limiting
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health   *handler.HealthHandler
	Duels    *handler.DuelHandler
	Protocol *handler.ProtocolHandler
}

// Server is the HTTP + WebSocket API server for the duel protocol.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain (rate limit, logging, auth, CORS) applied.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Duel lifecycle and queries.
	mux.HandleFunc("GET /api/duels", handlers.Duels.ListDuels)
	mux.HandleFunc("POST /api/duels", handlers.Duels.CreateDuel)
	mux.HandleFunc("GET /api/duels/{id}", handlers.Duels.GetDuel)
	mux.HandleFunc("POST /api/duels/{id}/accept", handlers.Duels.AcceptDuel)
	mux.HandleFunc("POST /api/duels/{id}/deposit", handlers.Duels.DepositStake)
	mux.HandleFunc("POST /api/duels/{id}/cancel", handlers.Duels.CancelDuel)
	mux.HandleFunc("POST /api/duels/{id}/settle", handlers.Duels.SettleDuel)

	// Protocol administration and stats.
	mux.HandleFunc("POST /api/protocol/initialize", handlers.Protocol.Initialize)
	mux.HandleFunc("GET /api/protocol/stats", handlers.Protocol.Stats)
	mux.HandleFunc("POST /api/accounts/credit", handlers.Protocol.CreditAccount)

	// WebSocket endpoint for duel event spectators.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if cfg.RateLimiter != nil {
		limit := cfg.RateLimit
		if limit <= 0 {
			limit = 60
		}
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(cfg.RateLimiter, limit, window)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
