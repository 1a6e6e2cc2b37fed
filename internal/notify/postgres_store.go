package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists notification events in Postgres. Cooldown state
// survives restarts, which keeps a redeploy from re-paging the operator.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ EventStore = (*PostgresStore)(nil)

func (s *PostgresStore) LastNotified(ctx context.Context, dedupeKey string) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT notified_at FROM notification_events WHERE dedupe_key = $1`,
		dedupeKey).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNoEvent
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last notified: %w", err)
	}
	return at, nil
}

func (s *PostgresStore) MarkNotified(ctx context.Context, dedupeKey string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_events (dedupe_key, notified_at)
		VALUES ($1, $2)
		ON CONFLICT (dedupe_key) DO UPDATE SET notified_at = EXCLUDED.notified_at`,
		dedupeKey, at)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}
