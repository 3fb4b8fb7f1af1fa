package oracle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bandforband/dueld/internal/crypto"
	"github.com/bandforband/dueld/internal/domain"
	"github.com/bandforband/dueld/internal/engine"
	"github.com/bandforband/dueld/internal/ledger"
)

const (
	testStake    = uint64(1_000_000)
	testDuration = int64(3600)
)

type stubValuator struct {
	values map[string]uint64
	errs   map[string]error
}

func (s *stubValuator) Value(_ context.Context, wallet string, _ []string) (uint64, error) {
	if err := s.errs[wallet]; err != nil {
		return 0, err
	}
	return s.values[wallet], nil
}

type stubLocks struct {
	held     bool
	acquired int
}

func (s *stubLocks) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	if s.held {
		return nil, domain.ErrLockHeld
	}
	s.acquired++
	return func() {}, nil
}

type fixture struct {
	oracle *Oracle
	eng    *engine.Engine
	vals   *stubValuator
	locks  *stubLocks
	now    time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	att, err := crypto.NewAttestor("oracle-1", []byte("test-secret"))
	require.NoError(t, err)

	f := &fixture{
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		vals:  &stubValuator{values: map[string]uint64{}},
		locks: &stubLocks{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.eng = engine.New(engine.Config{
		Funds:    ledger.New(),
		Attestor: att,
		Clock:    func() time.Time { return f.now },
		Logger:   logger,
	})
	f.oracle = New(f.eng, f.vals, att, f.locks, Config{}, logger)
	f.oracle.clock = func() time.Time { return f.now }
	return f
}

// newActiveDuel walks a funded duel to Active and returns it.
func (f *fixture) newActiveDuel(t *testing.T, creator, opponent string) domain.Duel {
	t.Helper()
	ctx := context.Background()
	if _, err := f.eng.Protocol(); err != nil {
		_, err = f.eng.InitializeProtocol(ctx, "authority", "treasury", 250)
		require.NoError(t, err)
	}
	require.NoError(t, f.eng.Funds().Credit(creator, testStake))
	require.NoError(t, f.eng.Funds().Credit(opponent, testStake))

	d, err := f.eng.CreateDuel(ctx, creator, testStake, testDuration, nil)
	require.NoError(t, err)
	_, err = f.eng.AcceptDuel(ctx, d.ID, opponent)
	require.NoError(t, err)
	_, err = f.eng.DepositStake(ctx, d.ID, creator)
	require.NoError(t, err)
	d, err = f.eng.DepositStake(ctx, d.ID, opponent)
	require.NoError(t, err)
	require.Equal(t, domain.DuelStatusActive, d.Status)
	return d
}

func TestConfigDefaults(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 10*time.Second, f.oracle.positionInterval)
	assert.Equal(t, 30*time.Second, f.oracle.settlementInterval)
	assert.Equal(t, 8, f.oracle.maxConcurrent)
}

func TestSyncMonitorsTracksActiveDuels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Empty(t, f.oracle.syncMonitors(ctx))

	d := f.newActiveDuel(t, "alice", "bob")
	monitors := f.oracle.syncMonitors(ctx)
	require.Len(t, monitors, 1)
	assert.Equal(t, d.ID, monitors[0].DuelID)
	assert.Equal(t, "alice", monitors[0].Creator)
	assert.Equal(t, d.EndTime, monitors[0].EndTime)

	// Settled duels lose their monitor on the next sync.
	f.advance(time.Duration(testDuration)*time.Second + time.Second)
	_, err := f.eng.SettleDuel(ctx, d.ID)
	require.NoError(t, err)

	assert.Empty(t, f.oracle.syncMonitors(ctx))
	assert.Equal(t, 0, f.oracle.MonitorCount())
}

func TestSweepPositionsPushesSignedValues(t *testing.T) {
	f := newFixture(t)
	d := f.newActiveDuel(t, "alice", "bob")

	f.vals.values["alice"] = 1_150_000
	f.vals.values["bob"] = 1_075_000

	f.oracle.sweepPositions(context.Background())

	got, err := f.eng.GetDuel(d.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_150_000), got.CreatorFinalValue)
	assert.Equal(t, uint64(1_075_000), got.OpponentFinalValue)
}

func TestSweepPositionsIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	broken := f.newActiveDuel(t, "alice", "bob")
	healthy := f.newActiveDuel(t, "carol", "dave")

	f.vals.values["carol"] = 2_000_000
	f.vals.values["dave"] = 1_500_000
	f.vals.errs = map[string]error{"alice": errors.New("rpc unavailable")}

	f.oracle.sweepPositions(context.Background())

	got, err := f.eng.GetDuel(healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000_000), got.CreatorFinalValue)

	// The failed duel keeps its activation baselines.
	got, err = f.eng.GetDuel(broken.ID)
	require.NoError(t, err)
	assert.Equal(t, testStake, got.CreatorFinalValue)
}

func TestSweepSettlementsSettlesExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expired := f.newActiveDuel(t, "alice", "bob")

	f.advance(time.Duration(testDuration)*time.Second + time.Second)
	fresh := f.newActiveDuel(t, "carol", "dave")

	f.oracle.sweepSettlements(ctx)

	got, err := f.eng.GetDuel(expired.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DuelStatusSettled, got.Status)

	got, err = f.eng.GetDuel(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DuelStatusActive, got.Status)
	assert.Equal(t, 1, f.locks.acquired)
}

// TestSweepsPickUpDuelsActivatedAfterStart locks in the single-process
// contract: the oracle shares the engine's in-memory state, so a duel that
// activates after the loops are already running is owned by the very next
// sweep, measured, and settled once its window closes.
func TestSweepsPickUpDuelsActivatedAfterStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.oracle.sweepPositions(ctx)
	f.oracle.sweepSettlements(ctx)
	require.Equal(t, 0, f.oracle.MonitorCount())

	d := f.newActiveDuel(t, "alice", "bob")
	f.vals.values["alice"] = 1_200_000
	f.vals.values["bob"] = 1_100_000

	f.oracle.sweepPositions(ctx)
	require.Equal(t, 1, f.oracle.MonitorCount())

	f.advance(time.Duration(testDuration)*time.Second + time.Second)
	f.oracle.sweepSettlements(ctx)

	got, err := f.eng.GetDuel(d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DuelStatusSettled, got.Status)
	assert.Equal(t, domain.WinnerCreator, got.Winner)
}

func TestSweepSettlementsSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.newActiveDuel(t, "alice", "bob")
	f.advance(time.Duration(testDuration)*time.Second + time.Second)

	f.locks.held = true
	f.oracle.sweepSettlements(ctx)

	got, err := f.eng.GetDuel(d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DuelStatusActive, got.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.oracle.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("oracle did not stop on context cancel")
	}
}
