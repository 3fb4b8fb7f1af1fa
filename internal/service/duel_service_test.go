package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bandforband/dueld/internal/domain"
)

type stubEngineReader struct {
	duels    map[uint64]domain.Duel
	protocol domain.Protocol
	protoErr error
}

func (s *stubEngineReader) GetDuel(id uint64) (domain.Duel, error) {
	d, ok := s.duels[id]
	if !ok {
		return domain.Duel{}, domain.ErrNotFound
	}
	return d, nil
}

func (s *stubEngineReader) Protocol() (domain.Protocol, error) {
	if s.protoErr != nil {
		return domain.Protocol{}, s.protoErr
	}
	return s.protocol, nil
}

type stubDuelStore struct {
	byID     map[uint64]domain.Duel
	listed   []domain.Duel
	byStatus map[domain.DuelStatus][]domain.Duel
	count    int64
}

func (s *stubDuelStore) Upsert(context.Context, domain.Duel) error { return nil }

func (s *stubDuelStore) GetByID(_ context.Context, id uint64) (domain.Duel, error) {
	d, ok := s.byID[id]
	if !ok {
		return domain.Duel{}, domain.ErrNotFound
	}
	return d, nil
}

func (s *stubDuelStore) List(context.Context, domain.ListOpts) ([]domain.Duel, error) {
	return s.listed, nil
}

func (s *stubDuelStore) ListByStatus(_ context.Context, status domain.DuelStatus, _ domain.ListOpts) ([]domain.Duel, error) {
	return s.byStatus[status], nil
}

func (s *stubDuelStore) ListSettledBefore(context.Context, time.Time) ([]domain.Duel, error) {
	return nil, nil
}

func (s *stubDuelStore) Count(context.Context) (int64, error) { return s.count, nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetDuelPrefersEngine(t *testing.T) {
	engine := &stubEngineReader{duels: map[uint64]domain.Duel{
		1: {ID: 1, Status: domain.DuelStatusActive},
	}}
	store := &stubDuelStore{byID: map[uint64]domain.Duel{
		1: {ID: 1, Status: domain.DuelStatusPending}, // stale mirror
	}}
	svc := NewDuelService(engine, store, discardLogger())

	d, err := svc.GetDuel(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.DuelStatusActive, d.Status)
}

func TestGetDuelFallsBackToStore(t *testing.T) {
	engine := &stubEngineReader{duels: map[uint64]domain.Duel{}}
	store := &stubDuelStore{byID: map[uint64]domain.Duel{
		9: {ID: 9, Status: domain.DuelStatusSettled},
	}}
	svc := NewDuelService(engine, store, discardLogger())

	d, err := svc.GetDuel(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, domain.DuelStatusSettled, d.Status)
}

func TestGetDuelNotFoundWithoutStore(t *testing.T) {
	svc := NewDuelService(&stubEngineReader{}, nil, discardLogger())

	_, err := svc.GetDuel(context.Background(), 42)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListRequiresStore(t *testing.T) {
	svc := NewDuelService(&stubEngineReader{}, nil, discardLogger())

	_, err := svc.List(context.Background(), domain.ListOpts{})
	assert.Error(t, err)
}

func TestCountFallsBackToProtocolCounter(t *testing.T) {
	engine := &stubEngineReader{protocol: domain.Protocol{TotalDuels: 17}}
	svc := NewDuelService(engine, nil, discardLogger())

	n, err := svc.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)
}

func TestStatsCountsActiveDuels(t *testing.T) {
	engine := &stubEngineReader{protocol: domain.Protocol{Authority: "auth", FeeBps: 250}}
	store := &stubDuelStore{byStatus: map[domain.DuelStatus][]domain.Duel{
		domain.DuelStatusActive: {{ID: 1}, {ID: 2}},
	}}
	svc := NewDuelService(engine, store, discardLogger())

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ActiveDuels)
	assert.Equal(t, uint16(250), stats.Protocol.FeeBps)
}

func TestStatsRequiresInitializedProtocol(t *testing.T) {
	engine := &stubEngineReader{protoErr: domain.ErrNotInitialized}
	svc := NewDuelService(engine, nil, discardLogger())

	_, err := svc.Stats(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotInitialized)
}
