package ledger

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bandforband/dueld/internal/domain"
)

func TestCreditAndBalance(t *testing.T) {
	l := New()
	require.NoError(t, l.Credit("alice", 100))
	require.NoError(t, l.Credit("alice", 50))
	assert.Equal(t, uint64(150), l.Balance("alice"))
	assert.Equal(t, uint64(0), l.Balance("nobody"))
}

func TestCreditOverflow(t *testing.T) {
	l := New()
	require.NoError(t, l.Credit("alice", math.MaxUint64))
	err := l.Credit("alice", 1)
	assert.ErrorIs(t, err, domain.ErrValueOverflow)
	assert.Equal(t, uint64(math.MaxUint64), l.Balance("alice"))
}

func TestTransfer(t *testing.T) {
	l := New()
	require.NoError(t, l.Credit("alice", 100))

	require.NoError(t, l.Transfer("alice", "bob", 60))
	assert.Equal(t, uint64(40), l.Balance("alice"))
	assert.Equal(t, uint64(60), l.Balance("bob"))
}

func TestTransferInsufficient(t *testing.T) {
	l := New()
	require.NoError(t, l.Credit("alice", 10))

	err := l.Transfer("alice", "bob", 11)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, uint64(10), l.Balance("alice"))
	assert.Equal(t, uint64(0), l.Balance("bob"))
}

func TestTransferBatchAllOrNothing(t *testing.T) {
	l := New()
	require.NoError(t, l.Credit("escrow:1", 200))

	// Second leg overdraws; first leg must not apply either.
	err := l.TransferBatch([]Leg{
		{From: "escrow:1", To: "winner", Amount: 150},
		{From: "escrow:1", To: "treasury", Amount: 100},
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, uint64(200), l.Balance("escrow:1"))
	assert.Equal(t, uint64(0), l.Balance("winner"))
	assert.Equal(t, uint64(0), l.Balance("treasury"))
}

func TestTransferBatchChained(t *testing.T) {
	l := New()
	require.NoError(t, l.Credit("escrow:1", 100))

	// Later legs see the result of earlier legs in the same batch.
	require.NoError(t, l.TransferBatch([]Leg{
		{From: "escrow:1", To: "mid", Amount: 100},
		{From: "mid", To: "out", Amount: 100},
	}))
	assert.Equal(t, uint64(0), l.Balance("escrow:1"))
	assert.Equal(t, uint64(0), l.Balance("mid"))
	assert.Equal(t, uint64(100), l.Balance("out"))
}

func TestTransferBatchZeroLegSkipped(t *testing.T) {
	l := New()
	require.NoError(t, l.TransferBatch([]Leg{
		{From: "empty", To: "other", Amount: 0},
	}))
	assert.Equal(t, uint64(0), l.Balance("other"))
}

func TestLoadAndSnapshot(t *testing.T) {
	l := New()
	l.Load(map[string]uint64{"a": 1, "b": 2})

	snap := l.Snapshot()
	assert.Equal(t, map[string]uint64{"a": 1, "b": 2}, snap)

	// Snapshot is a copy.
	snap["a"] = 99
	assert.Equal(t, uint64(1), l.Balance("a"))
}

func TestEscrowAccountKey(t *testing.T) {
	assert.Equal(t, "escrow:7", EscrowAccount(7))
}
