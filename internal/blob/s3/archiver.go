package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bandforband/dueld/internal/domain"
)

// Archiver copies settled duel history to object storage as JSONL. Rows are
// never deleted from the primary store here; pruning is a separate,
// explicit step taken after an archive has been verified.
type Archiver struct {
	writer    *Writer
	duels     domain.DuelStore
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewArchiver creates an Archiver. retention is how long settled duels stay
// out of cold storage; interval is how often the loop runs.
func NewArchiver(writer *Writer, duels domain.DuelStore, retention, interval time.Duration, logger *slog.Logger) *Archiver {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		writer:    writer,
		duels:     duels,
		retention: retention,
		interval:  interval,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Run archives on a fixed interval until ctx is cancelled. Call in a
// goroutine.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.ArchiveSettled(ctx, time.Now().UTC().Add(-a.retention)); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ArchiveSettled serializes every duel settled before the cutoff to one
// JSONL object keyed by cutoff date. It is a no-op when nothing qualifies.
func (a *Archiver) ArchiveSettled(ctx context.Context, before time.Time) error {
	duels, err := a.duels.ListSettledBefore(ctx, before)
	if err != nil {
		return fmt.Errorf("s3blob: list settled duels: %w", err)
	}
	if len(duels) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range duels {
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("s3blob: encode duel %d: %w", d.ID, err)
		}
	}

	key := fmt.Sprintf("duels/settled/%s.jsonl", before.Format("2006-01-02"))
	if err := a.writer.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "settled duels archived",
		slog.String("key", key),
		slog.Int("count", len(duels)),
	)
	return nil
}
