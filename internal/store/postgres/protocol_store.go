package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bandforband/dueld/internal/domain"
)

// ProtocolStore implements domain.ProtocolStore using PostgreSQL. The table
// holds at most one row, enforced by a CHECK on the primary key.
type ProtocolStore struct {
	pool *pgxpool.Pool
}

// NewProtocolStore creates a ProtocolStore backed by the given pool.
func NewProtocolStore(pool *pgxpool.Pool) *ProtocolStore {
	return &ProtocolStore{pool: pool}
}

// Get returns the protocol record, or domain.ErrNotInitialized when the
// protocol has never been initialized.
func (s *ProtocolStore) Get(ctx context.Context) (domain.Protocol, error) {
	const query = `
		SELECT authority, treasury, fee_bps, total_duels, total_volume, created_at
		FROM protocol WHERE id = 1`

	var (
		p                       domain.Protocol
		feeBps                  int32
		totalDuels, totalVolume int64
	)
	err := s.pool.QueryRow(ctx, query).Scan(
		&p.Authority, &p.Treasury, &feeBps, &totalDuels, &totalVolume, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Protocol{}, domain.ErrNotInitialized
		}
		return domain.Protocol{}, fmt.Errorf("postgres: get protocol: %w", err)
	}

	p.FeeBps = uint16(feeBps)
	p.TotalDuels = uint64(totalDuels)
	p.TotalVolume = uint64(totalVolume)
	return p, nil
}

// Upsert inserts or replaces the single protocol row.
func (s *ProtocolStore) Upsert(ctx context.Context, p domain.Protocol) error {
	const query = `
		INSERT INTO protocol (id, authority, treasury, fee_bps, total_duels, total_volume, created_at)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			authority    = EXCLUDED.authority,
			treasury     = EXCLUDED.treasury,
			fee_bps      = EXCLUDED.fee_bps,
			total_duels  = EXCLUDED.total_duels,
			total_volume = EXCLUDED.total_volume`

	_, err := s.pool.Exec(ctx, query,
		p.Authority, p.Treasury, int32(p.FeeBps),
		int64(p.TotalDuels), int64(p.TotalVolume), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert protocol: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ProtocolStore = (*ProtocolStore)(nil)
