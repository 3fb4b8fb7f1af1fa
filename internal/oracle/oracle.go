// Package oracle runs the off-chain side of a duel: it measures both
// participants' portfolio values while the window is open, pushes signed
// updates into the engine, and triggers settlement once the window closes.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bandforband/dueld/internal/crypto"
	"github.com/bandforband/dueld/internal/domain"
)

const settleLockKey = "oracle:settlement_sweep"

// Engine is the narrow view of the escrow engine the oracle drives.
type Engine interface {
	ActiveDuels(ctx context.Context) []domain.Duel
	UpdatePositions(ctx context.Context, upd domain.SignedUpdate) (domain.Duel, error)
	SettleDuel(ctx context.Context, id uint64) (domain.Duel, error)
}

// Config tunes the oracle's sweep loops.
type Config struct {
	PositionInterval   time.Duration
	SettlementInterval time.Duration
	MaxConcurrent      int
}

// Oracle periodically values every monitored duel and settles expired ones.
// Two independent loops run under one errgroup: a fast position sweep and a
// slower settlement sweep. A failure on one duel never blocks the others.
type Oracle struct {
	engine   Engine
	valuator domain.Valuator
	attestor *crypto.Attestor
	locks    domain.LockManager

	positionInterval   time.Duration
	settlementInterval time.Duration
	maxConcurrent      int

	clock  func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	monitors map[uint64]*domain.Monitor
}

// New creates an Oracle. locks may be nil when a single oracle instance
// runs; with multiple instances the lock manager keeps settlement sweeps
// from racing each other.
func New(engine Engine, valuator domain.Valuator, attestor *crypto.Attestor, locks domain.LockManager, cfg Config, logger *slog.Logger) *Oracle {
	if cfg.PositionInterval <= 0 {
		cfg.PositionInterval = 10 * time.Second
	}
	if cfg.SettlementInterval <= 0 {
		cfg.SettlementInterval = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{
		engine:             engine,
		valuator:           valuator,
		attestor:           attestor,
		locks:              locks,
		positionInterval:   cfg.PositionInterval,
		settlementInterval: cfg.SettlementInterval,
		maxConcurrent:      cfg.MaxConcurrent,
		clock:              time.Now,
		logger:             logger.With(slog.String("component", "oracle")),
		monitors:           make(map[uint64]*domain.Monitor),
	}
}

// Run starts both sweep loops and blocks until ctx is cancelled or a loop
// fails unrecoverably. Call in a goroutine.
func (o *Oracle) Run(ctx context.Context) error {
	o.logger.Info("oracle starting",
		slog.String("oracle_id", o.attestor.OracleID()),
		slog.Duration("position_interval", o.positionInterval),
		slog.Duration("settlement_interval", o.settlementInterval),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.runPositionLoop(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("oracle: position loop: %w", err)
	})

	g.Go(func() error {
		err := o.runSettlementLoop(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("oracle: settlement loop: %w", err)
	})

	err := g.Wait()
	if err != nil {
		o.logger.Error("oracle stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("oracle stopped cleanly")
	return nil
}

// MonitorCount reports how many duels the oracle is currently tracking.
func (o *Oracle) MonitorCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.monitors)
}

func (o *Oracle) runPositionLoop(ctx context.Context) error {
	// Sweep immediately on start so a restart does not wait a full tick.
	o.sweepPositions(ctx)

	ticker := time.NewTicker(o.positionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.sweepPositions(ctx)
		}
	}
}

func (o *Oracle) runSettlementLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.settlementInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.sweepSettlements(ctx)
		}
	}
}

// syncMonitors reconciles the monitor set against the engine's active
// duels: new activations gain a monitor, settled or cancelled duels lose
// theirs.
func (o *Oracle) syncMonitors(ctx context.Context) []*domain.Monitor {
	active := o.engine.ActiveDuels(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()

	seen := make(map[uint64]bool, len(active))
	for _, d := range active {
		seen[d.ID] = true
		if _, ok := o.monitors[d.ID]; ok {
			continue
		}
		o.monitors[d.ID] = &domain.Monitor{
			DuelID:        d.ID,
			Creator:       d.Creator,
			Opponent:      d.Opponent,
			AllowedTokens: append([]string(nil), d.AllowedTokens...),
			StartTime:     d.StartTime,
			EndTime:       d.EndTime,
		}
		o.logger.Info("monitoring duel",
			slog.Uint64("duel_id", d.ID),
			slog.Time("end_time", d.EndTime),
		)
	}
	for id := range o.monitors {
		if !seen[id] {
			delete(o.monitors, id)
			o.logger.Info("monitor retired", slog.Uint64("duel_id", id))
		}
	}

	out := make([]*domain.Monitor, 0, len(o.monitors))
	for _, m := range o.monitors {
		out = append(out, m)
	}
	return out
}

// sweepPositions values every monitored duel with bounded concurrency and
// pushes a signed update per duel. Errors are confined to their duel.
func (o *Oracle) sweepPositions(ctx context.Context) {
	monitors := o.syncMonitors(ctx)
	if len(monitors) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxConcurrent)
	for _, m := range monitors {
		g.Go(func() error {
			o.updateDuel(ctx, m)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Oracle) updateDuel(ctx context.Context, m *domain.Monitor) {
	creatorValue, err := o.valuator.Value(ctx, m.Creator, m.AllowedTokens)
	if err != nil {
		o.logger.WarnContext(ctx, "creator valuation failed",
			slog.Uint64("duel_id", m.DuelID),
			slog.String("error", err.Error()),
		)
		return
	}
	opponentValue, err := o.valuator.Value(ctx, m.Opponent, m.AllowedTokens)
	if err != nil {
		o.logger.WarnContext(ctx, "opponent valuation failed",
			slog.Uint64("duel_id", m.DuelID),
			slog.String("error", err.Error()),
		)
		return
	}

	now := o.clock().UTC()
	upd := o.attestor.Sign(domain.PositionUpdate{
		DuelID:        m.DuelID,
		CreatorValue:  creatorValue,
		OpponentValue: opponentValue,
		Timestamp:     now.Unix(),
	})

	if _, err := o.engine.UpdatePositions(ctx, upd); err != nil {
		// The duel may have been settled between the sync and this push.
		if errors.Is(err, domain.ErrInvalidStatus) || errors.Is(err, domain.ErrNotFound) {
			o.logger.DebugContext(ctx, "update skipped, duel no longer active",
				slog.Uint64("duel_id", m.DuelID),
			)
			return
		}
		o.logger.ErrorContext(ctx, "position update rejected",
			slog.Uint64("duel_id", m.DuelID),
			slog.String("error", err.Error()),
		)
		return
	}

	o.mu.Lock()
	m.LastUpdate = now
	o.mu.Unlock()

	o.logger.DebugContext(ctx, "positions updated",
		slog.Uint64("duel_id", m.DuelID),
		slog.Uint64("creator_value", creatorValue),
		slog.Uint64("opponent_value", opponentValue),
	)
}

// sweepSettlements settles every active duel whose window has elapsed. The
// sweep runs under a distributed lock so concurrent oracle instances do not
// hammer the engine with duplicate settle calls.
func (o *Oracle) sweepSettlements(ctx context.Context) {
	if o.locks != nil {
		unlock, err := o.locks.Acquire(ctx, settleLockKey, o.settlementInterval)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return
			}
			o.logger.WarnContext(ctx, "settlement lock unavailable",
				slog.String("error", err.Error()),
			)
			return
		}
		defer unlock()
	}

	now := o.clock().UTC()
	for _, d := range o.engine.ActiveDuels(ctx) {
		if !d.Expired(now) {
			continue
		}
		settled, err := o.engine.SettleDuel(ctx, d.ID)
		if err != nil {
			// Lost the race to another settler or a late update landed.
			if errors.Is(err, domain.ErrInvalidStatus) || errors.Is(err, domain.ErrDuelNotExpired) {
				continue
			}
			o.logger.ErrorContext(ctx, "settlement failed",
				slog.Uint64("duel_id", d.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		o.logger.Info("duel settled by sweep",
			slog.Uint64("duel_id", settled.ID),
			slog.String("winner", string(settled.Winner)),
		)
	}
}
