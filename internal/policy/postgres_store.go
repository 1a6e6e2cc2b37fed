package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore is the production WeightStore.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed weight store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ WeightStore = (*PostgresStore)(nil)

func (s *PostgresStore) Get(ctx context.Context, key string) (*LearnedWeight, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, kind, weight, suppressed_until, stats_json, updated_at
		FROM operator_learned_weights WHERE key = $1`, key)
	return scanWeight(row)
}

func (s *PostgresStore) Upsert(ctx context.Context, w *LearnedWeight) error {
	statsJSON, err := json.Marshal(w.Stats)
	if err != nil {
		return fmt.Errorf("marshal weight stats: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO operator_learned_weights (key, kind, weight, suppressed_until, stats_json, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			kind = EXCLUDED.kind,
			weight = EXCLUDED.weight,
			suppressed_until = EXCLUDED.suppressed_until,
			stats_json = EXCLUDED.stats_json,
			updated_at = EXCLUDED.updated_at`,
		w.Key, w.Kind, w.Weight, nullTime(w.SuppressedUntil), statsJSON, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert weight: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*LearnedWeight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, kind, weight, suppressed_until, stats_json, updated_at
		FROM operator_learned_weights ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list weights: %w", err)
	}
	defer rows.Close()

	var out []*LearnedWeight
	for rows.Next() {
		w, err := scanWeight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWeight(row rowScanner) (*LearnedWeight, error) {
	var (
		w         LearnedWeight
		until     sql.NullTime
		statsJSON []byte
	)
	err := row.Scan(&w.Key, &w.Kind, &w.Weight, &until, &statsJSON, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan weight: %w", err)
	}
	if until.Valid {
		t := until.Time
		w.SuppressedUntil = &t
	}
	if len(statsJSON) > 0 {
		if err := json.Unmarshal(statsJSON, &w.Stats); err != nil {
			return nil, fmt.Errorf("decode weight stats: %w", err)
		}
	}
	return &w, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
