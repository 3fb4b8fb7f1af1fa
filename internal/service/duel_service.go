// Package service holds the read-side services backing the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bandforband/dueld/internal/domain"
)

// EngineReader is the authoritative in-memory view of duel and protocol
// state. Single-record reads prefer it over the database mirror because a
// mirror write can lag the engine by one transition.
type EngineReader interface {
	GetDuel(id uint64) (domain.Duel, error)
	Protocol() (domain.Protocol, error)
}

// ProtocolStats is the aggregate view served by the stats endpoint.
type ProtocolStats struct {
	Protocol    domain.Protocol `json:"protocol"`
	ActiveDuels int             `json:"active_duels"`
}

// DuelService serves duel queries. Lists come from the store so they page
// and filter in SQL; single reads come from the engine with a store
// fallback for archived history.
type DuelService struct {
	engine EngineReader
	duels  domain.DuelStore
	logger *slog.Logger
}

// NewDuelService creates a DuelService. duels may be nil when running
// without a database, in which case list queries return an error.
func NewDuelService(engine EngineReader, duels domain.DuelStore, logger *slog.Logger) *DuelService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuelService{
		engine: engine,
		duels:  duels,
		logger: logger.With(slog.String("component", "duel_service")),
	}
}

// GetDuel returns one duel by id.
func (s *DuelService) GetDuel(ctx context.Context, id uint64) (domain.Duel, error) {
	d, err := s.engine.GetDuel(id)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, domain.ErrNotFound) || s.duels == nil {
		return domain.Duel{}, err
	}
	return s.duels.GetByID(ctx, id)
}

// List returns duels newest first.
func (s *DuelService) List(ctx context.Context, opts domain.ListOpts) ([]domain.Duel, error) {
	if s.duels == nil {
		return nil, fmt.Errorf("duel_service: list: no store configured")
	}
	return s.duels.List(ctx, opts)
}

// ListByStatus returns duels in one status, newest first.
func (s *DuelService) ListByStatus(ctx context.Context, status domain.DuelStatus, opts domain.ListOpts) ([]domain.Duel, error) {
	if s.duels == nil {
		return nil, fmt.Errorf("duel_service: list by status: no store configured")
	}
	return s.duels.ListByStatus(ctx, status, opts)
}

// Count returns the total number of duels ever created.
func (s *DuelService) Count(ctx context.Context) (int64, error) {
	if s.duels == nil {
		p, err := s.engine.Protocol()
		if err != nil {
			return 0, err
		}
		return int64(p.TotalDuels), nil
	}
	return s.duels.Count(ctx)
}

// Stats returns the protocol record plus live aggregate counters.
func (s *DuelService) Stats(ctx context.Context) (ProtocolStats, error) {
	p, err := s.engine.Protocol()
	if err != nil {
		return ProtocolStats{}, err
	}

	stats := ProtocolStats{Protocol: p}
	if s.duels != nil {
		active, err := s.duels.ListByStatus(ctx, domain.DuelStatusActive, domain.ListOpts{})
		if err != nil {
			s.logger.WarnContext(ctx, "active duel count unavailable",
				slog.String("error", err.Error()),
			)
		} else {
			stats.ActiveDuels = len(active)
		}
	}
	return stats, nil
}
