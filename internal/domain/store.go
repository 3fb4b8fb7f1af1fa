package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// DuelStore persists duel records. The in-memory engine state is
// authoritative; the store is a durable mirror used for restart recovery,
// the query API, and archival.
type DuelStore interface {
	Upsert(ctx context.Context, duel Duel) error
	GetByID(ctx context.Context, id uint64) (Duel, error)
	List(ctx context.Context, opts ListOpts) ([]Duel, error)
	ListByStatus(ctx context.Context, status DuelStatus, opts ListOpts) ([]Duel, error)
	ListSettledBefore(ctx context.Context, before time.Time) ([]Duel, error)
	Count(ctx context.Context) (int64, error)
}

// ProtocolStore persists the singleton protocol record.
type ProtocolStore interface {
	Get(ctx context.Context) (Protocol, error)
	Upsert(ctx context.Context, p Protocol) error
}

// AccountStore mirrors fund-ledger balances for restart recovery.
type AccountStore interface {
	UpsertBalance(ctx context.Context, account string, balance uint64) error
	ListBalances(ctx context.Context) (map[string]uint64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of engine operations.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
