package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bandforband/dueld/internal/domain"
	"github.com/bandforband/dueld/internal/notify"
	"github.com/bandforband/dueld/internal/oracle"
	"github.com/bandforband/dueld/internal/server"
	"github.com/bandforband/dueld/internal/server/handler"
	"github.com/bandforband/dueld/internal/server/ws"
	"github.com/bandforband/dueld/internal/service"
)

// run starts every subsystem in one process: the escrow engine behind the
// HTTP API, the oracle loops, archival, and notifications. The oracle loops
// always run alongside the engine because they share its in-memory state; a
// duel activated through the API is picked up by the very next sweep.
func (a *App) run(ctx context.Context, deps *Dependencies) error {
	a.ensureProtocol(ctx, deps)

	g, ctx := errgroup.WithContext(ctx)

	a.startOracle(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}
	a.startNotifyListener(ctx, g, deps)
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// ensureProtocol initializes the protocol record on a fresh deployment when
// the authority and treasury are configured. An already initialized protocol
// is left untouched.
func (a *App) ensureProtocol(ctx context.Context, deps *Dependencies) {
	if _, err := deps.Engine.Protocol(); !errors.Is(err, domain.ErrNotInitialized) {
		return
	}
	if a.cfg.Protocol.Authority == "" || a.cfg.Protocol.Treasury == "" {
		a.logger.InfoContext(ctx, "protocol not initialized; waiting for API call")
		return
	}
	p, err := deps.Engine.InitializeProtocol(ctx,
		a.cfg.Protocol.Authority,
		a.cfg.Protocol.Treasury,
		uint16(a.cfg.Protocol.FeeBps),
	)
	if err != nil {
		a.logger.WarnContext(ctx, "protocol initialization failed",
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.InfoContext(ctx, "protocol initialized",
		slog.String("authority", p.Authority),
		slog.String("treasury", p.Treasury),
		slog.Int("fee_bps", int(p.FeeBps)),
	)
}

// startOracle adds the position and settlement sweep loops to the errgroup.
func (a *App) startOracle(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	orc := oracle.New(
		deps.Engine,
		deps.Valuator,
		deps.Attestor,
		deps.LockManager,
		oracle.Config{
			PositionInterval:   a.cfg.Oracle.PositionInterval.Duration,
			SettlementInterval: a.cfg.Oracle.SettlementInterval.Duration,
			MaxConcurrent:      a.cfg.Oracle.MaxConcurrent,
		},
		a.logger,
	)
	g.Go(func() error {
		return orc.Run(ctx)
	})
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	duelSvc := service.NewDuelService(deps.Engine, deps.DuelStore, a.logger)

	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(
		server.Config{
			Port:            a.cfg.Server.Port,
			CORSOrigins:     a.cfg.Server.CORSOrigins,
			APIKey:          a.cfg.Server.APIKey,
			RateLimiter:     deps.RateLimiter,
			RateLimit:       a.cfg.Server.RateLimit,
			RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
		},
		server.Handlers{
			Health:   handler.NewHealthHandler(a.logger),
			Duels:    handler.NewDuelHandler(deps.Engine, duelSvc, a.logger),
			Protocol: handler.NewProtocolHandler(deps.Engine, duelSvc, a.logger),
		},
		hub,
		a.logger,
	)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}

// startNotifyListener bridges duel lifecycle events to the configured
// notification channels. It is a no-op when no sender is configured.
func (a *App) startNotifyListener(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Notifier == nil || !deps.Notifier.HasSenders() {
		return
	}
	listener := notify.NewDuelListener(deps.SignalBus, deps.Notifier, a.logger)
	g.Go(func() error {
		return listener.Run(ctx)
	})
}

// startArchiver adds the settled-duel archival loop when archival is wired.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	g.Go(func() error {
		return deps.Archiver.Run(ctx)
	})
}
