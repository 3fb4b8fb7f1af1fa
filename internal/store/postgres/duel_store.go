package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bandforband/dueld/internal/domain"
)

// DuelStore implements domain.DuelStore using PostgreSQL.
type DuelStore struct {
	pool *pgxpool.Pool
}

// NewDuelStore creates a DuelStore backed by the given connection pool.
func NewDuelStore(pool *pgxpool.Pool) *DuelStore {
	return &DuelStore{pool: pool}
}

const duelColumns = `
	id, creator, opponent, stake_amount, duration_seconds, status, winner,
	allowed_tokens, creator_deposited, opponent_deposited, created_at,
	start_time, end_time, creator_start_value, opponent_start_value,
	creator_final_value, opponent_final_value, settled_at`

// Upsert inserts or fully replaces a duel row. The engine calls this after
// every state transition, so the row always reflects the latest state.
func (s *DuelStore) Upsert(ctx context.Context, d domain.Duel) error {
	const query = `
		INSERT INTO duels (
			id, creator, opponent, stake_amount, duration_seconds, status, winner,
			allowed_tokens, creator_deposited, opponent_deposited, created_at,
			start_time, end_time, creator_start_value, opponent_start_value,
			creator_final_value, opponent_final_value, settled_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			opponent             = EXCLUDED.opponent,
			status               = EXCLUDED.status,
			winner               = EXCLUDED.winner,
			creator_deposited    = EXCLUDED.creator_deposited,
			opponent_deposited   = EXCLUDED.opponent_deposited,
			start_time           = EXCLUDED.start_time,
			end_time             = EXCLUDED.end_time,
			creator_start_value  = EXCLUDED.creator_start_value,
			opponent_start_value = EXCLUDED.opponent_start_value,
			creator_final_value  = EXCLUDED.creator_final_value,
			opponent_final_value = EXCLUDED.opponent_final_value,
			settled_at           = EXCLUDED.settled_at`

	_, err := s.pool.Exec(ctx, query,
		int64(d.ID), d.Creator, d.Opponent, int64(d.StakeAmount), d.DurationSeconds,
		string(d.Status), string(d.Winner), d.AllowedTokens,
		d.CreatorDeposited, d.OpponentDeposited, d.CreatedAt,
		nullableTime(d.StartTime), nullableTime(d.EndTime),
		int64(d.CreatorStartValue), int64(d.OpponentStartValue),
		int64(d.CreatorFinalValue), int64(d.OpponentFinalValue),
		d.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert duel %d: %w", d.ID, err)
	}
	return nil
}

// GetByID returns a single duel, or domain.ErrNotFound.
func (s *DuelStore) GetByID(ctx context.Context, id uint64) (domain.Duel, error) {
	query := `SELECT ` + duelColumns + ` FROM duels WHERE id = $1`
	d, err := scanDuel(s.pool.QueryRow(ctx, query, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Duel{}, domain.ErrNotFound
		}
		return domain.Duel{}, fmt.Errorf("postgres: get duel %d: %w", id, err)
	}
	return d, nil
}

// List returns duels ordered newest first, with pagination and optional
// creation-time filtering.
func (s *DuelStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Duel, error) {
	query := `SELECT ` + duelColumns + ` FROM duels WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.queryDuels(ctx, query, args...)
}

// ListByStatus returns duels in the given status, newest first.
func (s *DuelStore) ListByStatus(ctx context.Context, status domain.DuelStatus, opts domain.ListOpts) ([]domain.Duel, error) {
	query := `SELECT ` + duelColumns + ` FROM duels WHERE status = $1 ORDER BY created_at DESC, id DESC`
	args := []any{string(status)}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.queryDuels(ctx, query, args...)
}

// ListSettledBefore returns settled duels whose settlement time is strictly
// before the cutoff. The archiver uses this to pick rows for cold storage.
func (s *DuelStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Duel, error) {
	query := `SELECT ` + duelColumns + ` FROM duels
		WHERE settled_at IS NOT NULL AND settled_at < $1
		ORDER BY settled_at ASC`
	return s.queryDuels(ctx, query, before)
}

// Count returns the total number of duel rows.
func (s *DuelStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM duels`).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count duels: %w", err)
	}
	return count, nil
}

func (s *DuelStore) queryDuels(ctx context.Context, query string, args ...any) ([]domain.Duel, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query duels: %w", err)
	}
	defer rows.Close()

	var duels []domain.Duel
	for rows.Next() {
		d, err := scanDuel(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan duel: %w", err)
		}
		duels = append(duels, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query duels rows: %w", err)
	}
	return duels, nil
}

func scanDuel(row pgx.Row) (domain.Duel, error) {
	var (
		d                           domain.Duel
		id, stake                   int64
		status, winner              string
		startTime, endTime          *time.Time
		creatorStart, opponentStart int64
		creatorFinal, opponentFinal int64
	)
	err := row.Scan(
		&id, &d.Creator, &d.Opponent, &stake, &d.DurationSeconds, &status, &winner,
		&d.AllowedTokens, &d.CreatorDeposited, &d.OpponentDeposited, &d.CreatedAt,
		&startTime, &endTime, &creatorStart, &opponentStart,
		&creatorFinal, &opponentFinal, &d.SettledAt,
	)
	if err != nil {
		return domain.Duel{}, err
	}

	d.ID = uint64(id)
	d.StakeAmount = uint64(stake)
	d.Status = domain.DuelStatus(status)
	d.Winner = domain.Winner(winner)
	d.CreatorStartValue = uint64(creatorStart)
	d.OpponentStartValue = uint64(opponentStart)
	d.CreatorFinalValue = uint64(creatorFinal)
	d.OpponentFinalValue = uint64(opponentFinal)
	if startTime != nil {
		d.StartTime = *startTime
	}
	if endTime != nil {
		d.EndTime = *endTime
	}
	return d, nil
}

// nullableTime maps the zero time to NULL so unactivated duels do not carry
// a bogus epoch timestamp.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Compile-time interface check.
var _ domain.DuelStore = (*DuelStore)(nil)
