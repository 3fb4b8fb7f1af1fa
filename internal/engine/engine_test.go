package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bandforband/dueld/internal/crypto"
	"github.com/bandforband/dueld/internal/domain"
	"github.com/bandforband/dueld/internal/ledger"
)

const (
	testAuthority = "authority"
	testTreasury  = "treasury"
	testCreator   = "alice"
	testOpponent  = "bob"
	testStake     = uint64(1_000_000)
	testDuration  = int64(3600)
)

type fixture struct {
	eng *Engine
	now time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

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

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	cfg := Config{
		Funds:  ledger.New(),
		Clock:  func() time.Time { return f.now },
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.eng = New(cfg)
	return f
}

func withValuator(v domain.Valuator) func(*Config) {
	return func(cfg *Config) { cfg.Valuator = v }
}

func withAttestor(a *crypto.Attestor) func(*Config) {
	return func(cfg *Config) { cfg.Attestor = a }
}

// newActiveFixture initializes the protocol, funds both wallets, and walks
// one duel all the way to Active.
func newActiveFixture(t *testing.T, feeBps uint16, opts ...func(*Config)) (*fixture, domain.Duel) {
	t.Helper()
	f := newFixture(t, opts...)
	ctx := context.Background()

	_, err := f.eng.InitializeProtocol(ctx, testAuthority, testTreasury, feeBps)
	require.NoError(t, err)

	require.NoError(t, f.eng.Funds().Credit(testCreator, testStake))
	require.NoError(t, f.eng.Funds().Credit(testOpponent, testStake))

	d, err := f.eng.CreateDuel(ctx, testCreator, testStake, testDuration, nil)
	require.NoError(t, err)
	_, err = f.eng.AcceptDuel(ctx, d.ID, testOpponent)
	require.NoError(t, err)
	_, err = f.eng.DepositStake(ctx, d.ID, testCreator)
	require.NoError(t, err)
	d, err = f.eng.DepositStake(ctx, d.ID, testOpponent)
	require.NoError(t, err)
	require.Equal(t, domain.DuelStatusActive, d.Status)
	return f, d
}

func signedUpdate(t *testing.T, att *crypto.Attestor, duelID, creatorValue, opponentValue uint64, ts time.Time) domain.SignedUpdate {
	t.Helper()
	return att.Sign(domain.PositionUpdate{
		DuelID:        duelID,
		CreatorValue:  creatorValue,
		OpponentValue: opponentValue,
		Timestamp:     ts.Unix(),
	})
}

func TestInitializeProtocol(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.eng.InitializeProtocol(ctx, testAuthority, testTreasury, 250)
	require.NoError(t, err)
	assert.Equal(t, testAuthority, p.Authority)
	assert.Equal(t, testTreasury, p.Treasury)
	assert.Equal(t, uint16(250), p.FeeBps)
	assert.Equal(t, uint64(0), p.TotalDuels)
	assert.Equal(t, uint64(0), p.TotalVolume)

	_, err = f.eng.InitializeProtocol(ctx, testAuthority, testTreasury, 250)
	assert.ErrorIs(t, err, domain.ErrAlreadyInitialized)
}

func TestInitializeProtocolInvalidFee(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.InitializeProtocol(context.Background(), testAuthority, testTreasury, 10001)
	assert.ErrorIs(t, err, domain.ErrInvalidFeeBps)
}

func TestCreateDuelRequiresProtocol(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.CreateDuel(context.Background(), testCreator, testStake, testDuration, nil)
	assert.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestCreateDuelValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.InitializeProtocol(ctx, testAuthority, testTreasury, 250)
	require.NoError(t, err)

	_, err = f.eng.CreateDuel(ctx, testCreator, 0, testDuration, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidStakeAmount)

	_, err = f.eng.CreateDuel(ctx, testCreator, testStake, 0, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidDuration)

	_, err = f.eng.CreateDuel(ctx, testCreator, testStake, -5, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidDuration)
}

func TestCreateDuelSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.InitializeProtocol(ctx, testAuthority, testTreasury, 250)
	require.NoError(t, err)

	first, err := f.eng.CreateDuel(ctx, testCreator, testStake, testDuration, []string{"eth", "usdc"})
	require.NoError(t, err)
	second, err := f.eng.CreateDuel(ctx, testCreator, testStake, testDuration, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), first.ID)
	assert.Equal(t, uint64(1), second.ID)
	assert.Equal(t, domain.DuelStatusPending, first.Status)
	assert.Equal(t, domain.WinnerNone, first.Winner)
	assert.Equal(t, []string{"eth", "usdc"}, first.AllowedTokens)

	p, err := f.eng.Protocol()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p.TotalDuels)
}

func TestAcceptDuel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.InitializeProtocol(ctx, testAuthority, testTreasury, 250)
	require.NoError(t, err)
	d, err := f.eng.CreateDuel(ctx, testCreator, testStake, testDuration, nil)
	require.NoError(t, err)

	// The creator cannot take their own side.
	_, err = f.eng.AcceptDuel(ctx, d.ID, testCreator)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	accepted, err := f.eng.AcceptDuel(ctx, d.ID, testOpponent)
	require.NoError(t, err)
	assert.Equal(t, domain.DuelStatusAccepted, accepted.Status)
	assert.Equal(t, testOpponent, accepted.Opponent)

	// A second acceptance finds the duel no longer Pending.
	_, err = f.eng.AcceptDuel(ctx, d.ID, "carol")
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	_, err = f.eng.AcceptDuel(ctx, 999, testOpponent)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDepositStake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.InitializeProtocol(ctx, testAuthority, testTreasury, 250)
	require.NoError(t, err)
	require.NoError(t, f.eng.Funds().Credit(testCreator, testStake))
	require.NoError(t, f.eng.Funds().Credit(testOpponent, testStake))

	d, err := f.eng.CreateDuel(ctx, testCreator, testStake, testDuration, nil)
	require.NoError(t, err)

	// No deposits before acceptance.
	_, err = f.eng.DepositStake(ctx, d.ID, testCreator)
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	_, err = f.eng.AcceptDuel(ctx, d.ID, testOpponent)
	require.NoError(t, err)

	_, err = f.eng.DepositStake(ctx, d.ID, "carol")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)

	_, err = f.eng.DepositStake(ctx, d.ID, "")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)

	after, err := f.eng.DepositStake(ctx, d.ID, testCreator)
	require.NoError(t, err)
	assert.True(t, after.CreatorDeposited)
	assert.False(t, after.OpponentDeposited)
	assert.Equal(t, domain.DuelStatusAccepted, after.Status)
	assert.Equal(t, testStake, f.eng.EscrowBalance(d.ID))
	assert.Equal(t, uint64(0), f.eng.Funds().Balance(testCreator))

	_, err = f.eng.DepositStake(ctx, d.ID, testCreator)
	assert.ErrorIs(t, err, domain.ErrAlreadyDeposited)

	active, err := f.eng.DepositStake(ctx, d.ID, testOpponent)
	require.NoError(t, err)
	assert.Equal(t, domain.DuelStatusActive, active.Status)
	assert.Equal(t, f.now, active.StartTime)
	assert.Equal(t, f.now.Add(time.Duration(testDuration)*time.Second), active.EndTime)
	assert.Equal(t, 2*testStake, f.eng.EscrowBalance(d.ID))
	// Without a valuator the baseline falls back to the stake.
	assert.Equal(t, testStake, active.CreatorStartValue)
	assert.Equal(t, testStake, active.OpponentStartValue)
	assert.Equal(t, active.CreatorStartValue, active.CreatorFinalValue)
	assert.Equal(t, active.OpponentStartValue, active.OpponentFinalValue)
}

func TestDepositStakeInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.InitializeProtocol(ctx, testAuthority, testTreasury, 250)
	require.NoError(t, err)
	require.NoError(t, f.eng.Funds().Credit(testCreator, testStake-1))

	d, err := f.eng.CreateDuel(ctx, testCreator, testStake, testDuration, nil)
	require.NoError(t, err)
	_, err = f.eng.AcceptDuel(ctx, d.ID, testOpponent)
	require.NoError(t, err)

	_, err = f.eng.DepositStake(ctx, d.ID, testCreator)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// The failed deposit must leave no partial state behind.
	got, err := f.eng.GetDuel(d.ID)
	require.NoError(t, err)
	assert.False(t, got.CreatorDeposited)
	assert.Equal(t, uint64(0), f.eng.EscrowBalance(d.ID))
	assert.Equal(t, testStake-1, f.eng.Funds().Balance(testCreator))
}

func TestDepositStakeBaselinesFromValuator(t *testing.T) {
	v := &stubValuator{values: map[string]uint64{
		testCreator:  5_000_000,
		testOpponent: 3_000_000,
	}}
	_, d := newActiveFixture(t, 250, withValuator(v))
	assert.Equal(t, uint64(5_000_000), d.CreatorStartValue)
	assert.Equal(t, uint64(3_000_000), d.OpponentStartValue)
}

func TestDepositStakeBaselineFallbackOnValuatorError(t *testing.T) {
	v := &stubValuator{
		values: map[string]uint64{testOpponent: 3_000_000},
		errs:   map[string]error{testCreator: errors.New("rpc unavailable")},
	}
	_, d := newActiveFixture(t, 250, withValuator(v))
	assert.Equal(t, testStake, d.CreatorStartValue)
	assert.Equal(t, uint64(3_000_000), d.OpponentStartValue)
}

func TestUpdatePositions(t *testing.T) {
	att, err := crypto.NewAttestor("oracle-1", []byte("test-secret"))
	require.NoError(t, err)
	f, d := newActiveFixture(t, 250, withAttestor(att))
	ctx := context.Background()

	upd := signedUpdate(t, att, d.ID, 1_100_000, 1_050_000, f.now)
	got, err := f.eng.UpdatePositions(ctx, upd)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_100_000), got.CreatorFinalValue)
	assert.Equal(t, uint64(1_050_000), got.OpponentFinalValue)

	// Later updates overwrite, not accumulate.
	upd = signedUpdate(t, att, d.ID, 900_000, 1_200_000, f.now)
	got, err = f.eng.UpdatePositions(ctx, upd)
	require.NoError(t, err)
	assert.Equal(t, uint64(900_000), got.CreatorFinalValue)
	assert.Equal(t, uint64(1_200_000), got.OpponentFinalValue)
}

func TestUpdatePositionsRejectsBadSignature(t *testing.T) {
	att, err := crypto.NewAttestor("oracle-1", []byte("test-secret"))
	require.NoError(t, err)
	f, d := newActiveFixture(t, 250, withAttestor(att))

	upd := signedUpdate(t, att, d.ID, 1_100_000, 1_050_000, f.now)
	upd.CreatorValue++ // tamper after signing
	_, err = f.eng.UpdatePositions(context.Background(), upd)
	assert.ErrorIs(t, err, domain.ErrBadSignature)
}

func TestUpdatePositionsAfterWindowStillApplies(t *testing.T) {
	att, err := crypto.NewAttestor("oracle-1", []byte("test-secret"))
	require.NoError(t, err)
	f, d := newActiveFixture(t, 250, withAttestor(att))

	f.advance(2 * time.Hour) // well past end_time, duel not yet settled

	upd := signedUpdate(t, att, d.ID, 1_300_000, 1_000_000, f.now)
	got, err := f.eng.UpdatePositions(context.Background(), upd)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_300_000), got.CreatorFinalValue)
}

func TestUpdatePositionsRequiresActive(t *testing.T) {
	att, err := crypto.NewAttestor("oracle-1", []byte("test-secret"))
	require.NoError(t, err)
	f := newFixture(t, withAttestor(att))
	ctx := context.Background()
	_, err = f.eng.InitializeProtocol(ctx, testAuthority, testTreasury, 250)
	require.NoError(t, err)
	d, err := f.eng.CreateDuel(ctx, testCreator, testStake, testDuration, nil)
	require.NoError(t, err)

	upd := signedUpdate(t, att, d.ID, 1, 1, f.now)
	_, err = f.eng.UpdatePositions(ctx, upd)
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestSettleDuelCreatorWins(t *testing.T) {
	att, err := crypto.NewAttestor("oracle-1", []byte("test-secret"))
	require.NoError(t, err)
	f, d := newActiveFixture(t, 250, withAttestor(att))
	ctx := context.Background()

	upd := signedUpdate(t, att, d.ID, 1_100_000, 1_050_000, f.now)
	_, err = f.eng.UpdatePositions(ctx, upd)
	require.NoError(t, err)

	_, err = f.eng.SettleDuel(ctx, d.ID)
	assert.ErrorIs(t, err, domain.ErrDuelNotExpired)

	f.advance(time.Duration(testDuration)*time.Second + time.Second)

	settled, err := f.eng.SettleDuel(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DuelStatusSettled, settled.Status)
	assert.Equal(t, domain.WinnerCreator, settled.Winner)
	require.NotNil(t, settled.SettledAt)
	assert.Equal(t, f.now, *settled.SettledAt)

	// Pot 2,000,000 at 250 bps: fee 50,000, winner takes 1,950,000.
	assert.Equal(t, uint64(0), f.eng.EscrowBalance(d.ID))
	assert.Equal(t, uint64(1_950_000), f.eng.Funds().Balance(testCreator))
	assert.Equal(t, uint64(0), f.eng.Funds().Balance(testOpponent))
	assert.Equal(t, uint64(50_000), f.eng.Funds().Balance(testTreasury))

	p, err := f.eng.Protocol()
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000_000), p.TotalVolume)

	// Settlement is final.
	_, err = f.eng.SettleDuel(ctx, d.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestSettleDuelDraw(t *testing.T) {
	f, d := newActiveFixture(t, 250)
	ctx := context.Background()

	// No oracle updates landed, so both final values equal their baselines
	// and the duel draws.
	f.advance(time.Duration(testDuration)*time.Second + time.Second)

	settled, err := f.eng.SettleDuel(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WinnerDraw, settled.Winner)

	assert.Equal(t, uint64(0), f.eng.EscrowBalance(d.ID))
	assert.Equal(t, uint64(975_000), f.eng.Funds().Balance(testCreator))
	assert.Equal(t, uint64(975_000), f.eng.Funds().Balance(testOpponent))
	assert.Equal(t, uint64(50_000), f.eng.Funds().Balance(testTreasury))
}

func TestSettleDuelConservation(t *testing.T) {
	att, err := crypto.NewAttestor("oracle-1", []byte("test-secret"))
	require.NoError(t, err)
	f, d := newActiveFixture(t, 333, withAttestor(att))
	ctx := context.Background()

	total := func() uint64 {
		var sum uint64
		for _, bal := range f.eng.Funds().Snapshot() {
			sum += bal
		}
		return sum
	}
	before := total()

	upd := signedUpdate(t, att, d.ID, 1_234_567, 1_234_560, f.now)
	_, err = f.eng.UpdatePositions(ctx, upd)
	require.NoError(t, err)

	f.advance(time.Duration(testDuration)*time.Second + time.Second)
	_, err = f.eng.SettleDuel(ctx, d.ID)
	require.NoError(t, err)

	assert.Equal(t, before, total(), "settlement moves funds, never mints or burns")
	assert.Equal(t, uint64(0), f.eng.EscrowBalance(d.ID))
}

func TestCancelDuel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.InitializeProtocol(ctx, testAuthority, testTreasury, 250)
	require.NoError(t, err)
	d, err := f.eng.CreateDuel(ctx, testCreator, testStake, testDuration, nil)
	require.NoError(t, err)

	_, err = f.eng.CancelDuel(ctx, d.ID, testOpponent)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	cancelled, err := f.eng.CancelDuel(ctx, d.ID, testCreator)
	require.NoError(t, err)
	assert.Equal(t, domain.DuelStatusCancelled, cancelled.Status)
	assert.True(t, cancelled.Terminal())

	_, err = f.eng.AcceptDuel(ctx, d.ID, testOpponent)
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestCancelDuelAfterAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.InitializeProtocol(ctx, testAuthority, testTreasury, 250)
	require.NoError(t, err)
	d, err := f.eng.CreateDuel(ctx, testCreator, testStake, testDuration, nil)
	require.NoError(t, err)
	_, err = f.eng.AcceptDuel(ctx, d.ID, testOpponent)
	require.NoError(t, err)

	_, err = f.eng.CancelDuel(ctx, d.ID, testCreator)
	assert.ErrorIs(t, err, domain.ErrCannotCancel)
}

func TestCreditAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.InitializeProtocol(ctx, testAuthority, testTreasury, 250)
	require.NoError(t, err)

	err = f.eng.CreditAccount(ctx, testCreator, testCreator, 1000)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	err = f.eng.CreditAccount(ctx, testAuthority, testCreator, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidStakeAmount)

	require.NoError(t, f.eng.CreditAccount(ctx, testAuthority, testCreator, 1000))
	assert.Equal(t, uint64(1000), f.eng.Funds().Balance(testCreator))
}

func TestActiveDuels(t *testing.T) {
	f, d := newActiveFixture(t, 250)
	ctx := context.Background()

	_, err := f.eng.CreateDuel(ctx, testCreator, testStake, testDuration, nil)
	require.NoError(t, err)

	active := f.eng.ActiveDuels(ctx)
	require.Len(t, active, 1)
	assert.Equal(t, d.ID, active[0].ID)
}

// TestConcurrentQueriesSeeConsistentSnapshots hammers the query paths while
// an updater rewrites the same duel. Every copy a reader gets must reflect a
// whole committed update: the two final values always move in lockstep
// (opponent delta is exactly double the creator delta). Run with -race.
func TestConcurrentQueriesSeeConsistentSnapshots(t *testing.T) {
	att, err := crypto.NewAttestor("oracle-1", []byte("test-secret"))
	require.NoError(t, err)
	f, d := newActiveFixture(t, 250, withAttestor(att))
	ctx := context.Background()

	const rounds = 2000

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= rounds; i++ {
			upd := signedUpdate(t, att, d.ID, testStake+i, testStake+2*i, f.now)
			if _, err := f.eng.UpdatePositions(ctx, upd); !assert.NoError(t, err) {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			got, err := f.eng.GetDuel(d.ID)
			if !assert.NoError(t, err) {
				return
			}
			creatorDelta := got.CreatorFinalValue - testStake
			if !assert.Equal(t, 2*creatorDelta, got.OpponentFinalValue-testStake) {
				return
			}
			for _, a := range f.eng.ActiveDuels(ctx) {
				delta := a.CreatorFinalValue - testStake
				if !assert.Equal(t, 2*delta, a.OpponentFinalValue-testStake) {
					return
				}
			}
		}
	}()
	wg.Wait()
}

func TestGetDuelNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.GetDuel(42)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLoadStateRecoversActiveDuel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := f.now
	protocol := &domain.Protocol{
		Authority:  testAuthority,
		Treasury:   testTreasury,
		FeeBps:     250,
		TotalDuels: 1,
		CreatedAt:  now,
	}
	recovered := domain.Duel{
		ID:                 0,
		Creator:            testCreator,
		Opponent:           testOpponent,
		StakeAmount:        testStake,
		DurationSeconds:    testDuration,
		Status:             domain.DuelStatusActive,
		Winner:             domain.WinnerNone,
		CreatorDeposited:   true,
		OpponentDeposited:  true,
		CreatedAt:          now.Add(-2 * time.Hour),
		StartTime:          now.Add(-2 * time.Hour),
		EndTime:            now.Add(-time.Hour),
		CreatorStartValue:  testStake,
		OpponentStartValue: testStake,
		CreatorFinalValue:  1_100_000,
		OpponentFinalValue: 1_050_000,
	}
	f.eng.LoadState(protocol, []domain.Duel{recovered})
	f.eng.Funds().Load(map[string]uint64{
		ledger.EscrowAccount(0): 2 * testStake,
	})

	settled, err := f.eng.SettleDuel(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.WinnerCreator, settled.Winner)
	assert.Equal(t, uint64(1_950_000), f.eng.Funds().Balance(testCreator))
	assert.Equal(t, uint64(50_000), f.eng.Funds().Balance(testTreasury))

	p, err := f.eng.Protocol()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.TotalDuels)
	assert.Equal(t, uint64(2_000_000), p.TotalVolume)
}
