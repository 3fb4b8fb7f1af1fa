// Package ledger implements the in-process fund ledger the escrow engine
// runs on. It reconstructs the host-chain guarantee the original design
// leaned on: per-account balances with serialized, all-or-nothing transfer
// batches. Every balance check and mutation for a batch happens under one
// lock, so check-then-act is never split.
package ledger

import (
	"fmt"
	"sync"

	"github.com/bandforband/dueld/internal/domain"
)

// EscrowAccount derives the deterministic ledger account key holding one
// duel's stakes from its sequence id.
func EscrowAccount(duelID uint64) string {
	return fmt.Sprintf("escrow:%d", duelID)
}

// Leg is one transfer within a batch.
type Leg struct {
	From   string
	To     string
	Amount uint64
}

// Ledger holds account balances in integer base units.
type Ledger struct {
	mu       sync.RWMutex
	balances map[string]uint64
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{balances: make(map[string]uint64)}
}

// Load replaces all balances, used for restart recovery from the account
// store mirror.
func (l *Ledger) Load(balances map[string]uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = make(map[string]uint64, len(balances))
	for acct, bal := range balances {
		l.balances[acct] = bal
	}
}

// Balance returns the current balance of an account. Unknown accounts have
// a zero balance.
func (l *Ledger) Balance(account string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account]
}

// Credit adds amount to an account, creating it if needed. It returns
// ErrValueOverflow if the balance would wrap.
func (l *Ledger) Credit(account string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.balances[account]
	if cur+amount < cur {
		return domain.ErrValueOverflow
	}
	l.balances[account] = cur + amount
	return nil
}

// Transfer moves amount from one account to another atomically.
func (l *Ledger) Transfer(from, to string, amount uint64) error {
	return l.TransferBatch([]Leg{{From: from, To: to, Amount: amount}})
}

// TransferBatch applies every leg or none. All legs are validated against
// the balances that would result from the earlier legs in the same batch,
// so a batch may safely chain through an intermediate account.
func (l *Ledger) TransferBatch(legs []Leg) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Dry-run against a scratch view of only the touched accounts.
	scratch := make(map[string]uint64, len(legs)*2)
	view := func(acct string) uint64 {
		if bal, ok := scratch[acct]; ok {
			return bal
		}
		return l.balances[acct]
	}
	for _, leg := range legs {
		if leg.Amount == 0 {
			continue
		}
		fromBal := view(leg.From)
		if fromBal < leg.Amount {
			return fmt.Errorf("ledger: %s -> %s amount %d: %w",
				leg.From, leg.To, leg.Amount, domain.ErrInsufficientFunds)
		}
		toBal := view(leg.To)
		if toBal+leg.Amount < toBal {
			return fmt.Errorf("ledger: %s -> %s amount %d: %w",
				leg.From, leg.To, leg.Amount, domain.ErrValueOverflow)
		}
		scratch[leg.From] = fromBal - leg.Amount
		scratch[leg.To] = toBal + leg.Amount
	}

	// Commit.
	for acct, bal := range scratch {
		l.balances[acct] = bal
	}
	return nil
}

// Snapshot returns a copy of all balances, used by the write-through mirror.
func (l *Ledger) Snapshot() map[string]uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]uint64, len(l.balances))
	for acct, bal := range l.balances {
		out[acct] = bal
	}
	return out
}
