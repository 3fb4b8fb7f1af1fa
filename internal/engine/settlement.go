package engine

import (
	"fmt"
	"math/big"
	"math/bits"

	"github.com/bandforband/dueld/internal/domain"
)

// bpsDenominator is the basis-point scale used for both PnL and fees.
const bpsDenominator = 10000

// PnLBps computes the percentage change from start to final in integer
// basis points: (final - start) * 10000 / start, truncated toward zero.
// Settlement must be reproducible off-chain from the recorded values, so
// the computation is integer-only; big.Int keeps the intermediate product
// exact for arbitrary uint64 inputs.
func PnLBps(start, final uint64) (int64, error) {
	if start == 0 {
		return 0, domain.ErrZeroBaseline
	}

	diff := new(big.Int).Sub(
		new(big.Int).SetUint64(final),
		new(big.Int).SetUint64(start),
	)
	diff.Mul(diff, big.NewInt(bpsDenominator))
	diff.Quo(diff, new(big.Int).SetUint64(start))

	if !diff.IsInt64() {
		return 0, domain.ErrValueOverflow
	}
	return diff.Int64(), nil
}

// Pot returns the total escrowed pot for a duel: stake from each side.
func Pot(stake uint64) (uint64, error) {
	if stake > (^uint64(0))/2 {
		return 0, domain.ErrValueOverflow
	}
	return stake * 2, nil
}

// Fee returns floor(pot * feeBps / 10000) using 128-bit intermediate
// arithmetic so the product cannot wrap.
func Fee(pot uint64, feeBps uint16) (uint64, error) {
	if feeBps > domain.MaxFeeBps {
		return 0, domain.ErrInvalidFeeBps
	}
	hi, lo := bits.Mul64(pot, uint64(feeBps))
	// hi < 10000 always holds here since feeBps <= 10000, but keep the
	// guard so Div64 can never panic.
	if hi >= bpsDenominator {
		return 0, domain.ErrValueOverflow
	}
	quo, _ := bits.Div64(hi, lo, bpsDenominator)
	return quo, nil
}

// DetermineWinner applies the strictly-greater rule: exact numeric equality
// of the two PnL values is a draw, with no tolerance band.
func DetermineWinner(creatorPnL, opponentPnL int64) domain.Winner {
	switch {
	case creatorPnL > opponentPnL:
		return domain.WinnerCreator
	case opponentPnL > creatorPnL:
		return domain.WinnerOpponent
	default:
		return domain.WinnerDraw
	}
}

// DrawRefunds splits the pot on a draw. Each side is refunded
// stake - fee/2; when the fee is odd the creator absorbs the one-unit
// remainder, so creatorRefund + opponentRefund + fee == 2*stake exactly.
func DrawRefunds(stake, fee uint64) (creatorRefund, opponentRefund uint64, err error) {
	half := fee / 2
	rem := fee % 2
	if half+rem > stake {
		return 0, 0, fmt.Errorf("engine: fee %d exceeds refundable stake %d: %w",
			fee, stake, domain.ErrValueOverflow)
	}
	return stake - half - rem, stake - half, nil
}

// Payouts is the full, deterministic settlement plan for a duel, derived
// purely from the recorded values. Conservation holds in every branch:
// CreatorAmount + OpponentAmount + FeeAmount == Pot.
type Payouts struct {
	Winner         domain.Winner
	CreatorPnLBps  int64
	OpponentPnLBps int64
	Pot            uint64
	FeeAmount      uint64
	CreatorAmount  uint64
	OpponentAmount uint64
}

// ComputePayouts determines the winner and every transfer amount for a
// settlement from the duel's recorded baseline and final values.
func ComputePayouts(d domain.Duel, feeBps uint16) (Payouts, error) {
	creatorPnL, err := PnLBps(d.CreatorStartValue, d.CreatorFinalValue)
	if err != nil {
		return Payouts{}, fmt.Errorf("engine: creator pnl: %w", err)
	}
	opponentPnL, err := PnLBps(d.OpponentStartValue, d.OpponentFinalValue)
	if err != nil {
		return Payouts{}, fmt.Errorf("engine: opponent pnl: %w", err)
	}

	pot, err := Pot(d.StakeAmount)
	if err != nil {
		return Payouts{}, fmt.Errorf("engine: pot: %w", err)
	}
	fee, err := Fee(pot, feeBps)
	if err != nil {
		return Payouts{}, fmt.Errorf("engine: fee: %w", err)
	}

	p := Payouts{
		Winner:         DetermineWinner(creatorPnL, opponentPnL),
		CreatorPnLBps:  creatorPnL,
		OpponentPnLBps: opponentPnL,
		Pot:            pot,
		FeeAmount:      fee,
	}

	switch p.Winner {
	case domain.WinnerCreator:
		p.CreatorAmount = pot - fee
	case domain.WinnerOpponent:
		p.OpponentAmount = pot - fee
	case domain.WinnerDraw:
		p.CreatorAmount, p.OpponentAmount, err = DrawRefunds(d.StakeAmount, fee)
		if err != nil {
			return Payouts{}, err
		}
	}

	return p, nil
}
