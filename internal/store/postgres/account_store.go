package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bandforband/dueld/internal/domain"
)

// AccountStore implements domain.AccountStore using PostgreSQL. It mirrors
// the in-memory fund ledger so balances survive a restart.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates an AccountStore backed by the given pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

// UpsertBalance writes the current balance for one account.
func (s *AccountStore) UpsertBalance(ctx context.Context, account string, balance uint64) error {
	const query = `
		INSERT INTO account_balances (account, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account) DO UPDATE SET
			balance    = EXCLUDED.balance,
			updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, account, int64(balance)); err != nil {
		return fmt.Errorf("postgres: upsert balance %s: %w", account, err)
	}
	return nil
}

// ListBalances returns every mirrored account balance.
func (s *AccountStore) ListBalances(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.pool.Query(ctx, `SELECT account, balance FROM account_balances`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[string]uint64)
	for rows.Next() {
		var (
			account string
			balance int64
		)
		if err := rows.Scan(&account, &balance); err != nil {
			return nil, fmt.Errorf("postgres: scan balance: %w", err)
		}
		balances[account] = uint64(balance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list balances rows: %w", err)
	}
	return balances, nil
}

// Compile-time interface check.
var _ domain.AccountStore = (*AccountStore)(nil)
