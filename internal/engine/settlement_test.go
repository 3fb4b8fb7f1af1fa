package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bandforband/dueld/internal/domain"
)

func TestPnLBps(t *testing.T) {
	tests := []struct {
		name  string
		start uint64
		final uint64
		want  int64
	}{
		{"ten percent gain", 1_000_000, 1_100_000, 1000},
		{"ten percent loss", 1_000_000, 900_000, -1000},
		{"flat", 1_000_000, 1_000_000, 0},
		{"truncates gain toward zero", 3, 4, 3333},
		{"truncates loss toward zero", 3, 2, -3333},
		{"total loss", 500, 0, -10000},
		{"doubled", 250_000, 500_000, 10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PnLBps(tt.start, tt.final)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPnLBpsZeroBaseline(t *testing.T) {
	_, err := PnLBps(0, 1_000_000)
	assert.ErrorIs(t, err, domain.ErrZeroBaseline)
}

func TestPnLBpsOverflow(t *testing.T) {
	_, err := PnLBps(1, math.MaxUint64)
	assert.ErrorIs(t, err, domain.ErrValueOverflow)
}

func TestPnLBpsLargeValuesNoOverflow(t *testing.T) {
	// A 1% move on a near-max portfolio stays exact.
	start := uint64(math.MaxUint64 / 2)
	final := start + start/100
	got, err := PnLBps(start, final)
	require.NoError(t, err)
	assert.Equal(t, int64(99), got) // start/100 truncates, so just under 100 bps
}

func TestPot(t *testing.T) {
	pot, err := Pot(1_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000_000), pot)

	_, err = Pot(math.MaxUint64/2 + 1)
	assert.ErrorIs(t, err, domain.ErrValueOverflow)
}

func TestFee(t *testing.T) {
	tests := []struct {
		name   string
		pot    uint64
		feeBps uint16
		want   uint64
	}{
		{"standard 250 bps", 2_000_000, 250, 50_000},
		{"zero fee", 2_000_000, 0, 0},
		{"full fee", 2_000_000, 10000, 2_000_000},
		{"floors remainder", 999, 250, 24},
		{"small pot rounds to zero", 3, 250, 0},
		{"near max pot", math.MaxUint64, 250, math.MaxUint64 / 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Fee(tt.pot, tt.feeBps)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFeeNeverExceedsPot(t *testing.T) {
	for _, pot := range []uint64{0, 1, 40, 999, 1_000_000, math.MaxUint64} {
		fee, err := Fee(pot, 10000)
		require.NoError(t, err)
		assert.LessOrEqual(t, fee, pot)
	}
}

func TestDetermineWinner(t *testing.T) {
	assert.Equal(t, domain.WinnerCreator, DetermineWinner(1000, 500))
	assert.Equal(t, domain.WinnerOpponent, DetermineWinner(500, 1000))
	assert.Equal(t, domain.WinnerDraw, DetermineWinner(750, 750))
	assert.Equal(t, domain.WinnerDraw, DetermineWinner(0, 0))
	// Less negative is still the better result.
	assert.Equal(t, domain.WinnerOpponent, DetermineWinner(-500, -200))
	assert.Equal(t, domain.WinnerDraw, DetermineWinner(-300, -300))
}

func TestDrawRefunds(t *testing.T) {
	creator, opponent, err := DrawRefunds(1_000_000, 50_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(975_000), creator)
	assert.Equal(t, uint64(975_000), opponent)
}

func TestDrawRefundsOddFee(t *testing.T) {
	// The odd unit comes out of the creator's refund so the escrow drains
	// exactly.
	creator, opponent, err := DrawRefunds(999_999, 49_999)
	require.NoError(t, err)
	assert.Equal(t, uint64(974_999), creator)
	assert.Equal(t, uint64(975_000), opponent)
	assert.Equal(t, uint64(2*999_999), creator+opponent+49_999)
}

func activeDuel(stake, creatorStart, creatorFinal, opponentStart, opponentFinal uint64) domain.Duel {
	return domain.Duel{
		ID:                 7,
		Creator:            "alice",
		Opponent:           "bob",
		StakeAmount:        stake,
		Status:             domain.DuelStatusActive,
		CreatorStartValue:  creatorStart,
		CreatorFinalValue:  creatorFinal,
		OpponentStartValue: opponentStart,
		OpponentFinalValue: opponentFinal,
	}
}

func TestComputePayoutsCreatorWins(t *testing.T) {
	d := activeDuel(1_000_000, 1_000_000, 1_100_000, 1_000_000, 1_050_000)
	p, err := ComputePayouts(d, 250)
	require.NoError(t, err)

	assert.Equal(t, domain.WinnerCreator, p.Winner)
	assert.Equal(t, int64(1000), p.CreatorPnLBps)
	assert.Equal(t, int64(500), p.OpponentPnLBps)
	assert.Equal(t, uint64(2_000_000), p.Pot)
	assert.Equal(t, uint64(50_000), p.FeeAmount)
	assert.Equal(t, uint64(1_950_000), p.CreatorAmount)
	assert.Equal(t, uint64(0), p.OpponentAmount)
}

func TestComputePayoutsOpponentWins(t *testing.T) {
	// Both lose; the smaller loss wins.
	d := activeDuel(500_000, 2_000_000, 1_800_000, 1_000_000, 980_000)
	p, err := ComputePayouts(d, 100)
	require.NoError(t, err)

	assert.Equal(t, domain.WinnerOpponent, p.Winner)
	assert.Equal(t, int64(-1000), p.CreatorPnLBps)
	assert.Equal(t, int64(-200), p.OpponentPnLBps)
	assert.Equal(t, uint64(0), p.CreatorAmount)
	assert.Equal(t, p.Pot-p.FeeAmount, p.OpponentAmount)
}

func TestComputePayoutsDraw(t *testing.T) {
	// Equal percentage moves on different baselines still tie.
	d := activeDuel(1_000_000, 2_000_000, 2_200_000, 500_000, 550_000)
	p, err := ComputePayouts(d, 250)
	require.NoError(t, err)

	assert.Equal(t, domain.WinnerDraw, p.Winner)
	assert.Equal(t, int64(1000), p.CreatorPnLBps)
	assert.Equal(t, int64(1000), p.OpponentPnLBps)
	assert.Equal(t, uint64(975_000), p.CreatorAmount)
	assert.Equal(t, uint64(975_000), p.OpponentAmount)
}

func TestComputePayoutsZeroBaseline(t *testing.T) {
	d := activeDuel(1_000_000, 0, 1_000_000, 1_000_000, 1_000_000)
	_, err := ComputePayouts(d, 250)
	assert.ErrorIs(t, err, domain.ErrZeroBaseline)
}

func TestComputePayoutsConservation(t *testing.T) {
	cases := []domain.Duel{
		activeDuel(1_000_000, 1_000_000, 1_100_000, 1_000_000, 1_050_000),
		activeDuel(1_000_000, 1_000_000, 900_000, 1_000_000, 950_000),
		activeDuel(999_999, 1_234_567, 1_234_567, 7_654_321, 7_654_321),
		activeDuel(1, 100, 150, 100, 150),
		activeDuel(123_456_789, 1_000_000_000, 999_999_999, 1_000_000_000, 999_999_998),
	}
	for _, d := range cases {
		for _, feeBps := range []uint16{0, 1, 250, 9999, 10000} {
			p, err := ComputePayouts(d, feeBps)
			require.NoError(t, err)
			assert.Equal(t, p.Pot, p.CreatorAmount+p.OpponentAmount+p.FeeAmount,
				"escrow must drain exactly (fee %d)", feeBps)
		}
	}
}

func TestComputePayoutsDeterministic(t *testing.T) {
	d := activeDuel(1_000_000, 1_000_003, 1_100_007, 999_991, 1_050_013)
	first, err := ComputePayouts(d, 250)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := ComputePayouts(d, 250)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
