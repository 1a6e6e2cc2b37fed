package attribution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opsdeck/opsdeck/internal/snapshot"
)

// PostgresStore persists attributions in Postgres. Snapshot and delta
// payloads are stored as JSONB; they are opaque to every query except the
// window listing, which decodes them back.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed attribution store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Create(ctx context.Context, a *Attribution) error {
	beforeJSON, err := json.Marshal(a.Before)
	if err != nil {
		return fmt.Errorf("marshal before snapshot: %w", err)
	}
	afterJSON, err := json.Marshal(a.After)
	if err != nil {
		return fmt.Errorf("marshal after snapshot: %w", err)
	}
	deltaJSON, err := json.Marshal(a.Delta)
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO operator_attributions
			(id, actor_user_id, source_type, rule_key, action_key,
			 entity_type, entity_id, before_json, after_json, delta_json, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.ActorUserID, a.SourceType, a.RuleKey, a.ActionKey,
		nullIfEmpty(a.EntityType), nullIfEmpty(a.EntityID),
		beforeJSON, afterJSON, deltaJSON, a.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert attribution: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Attribution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, actor_user_id, source_type, rule_key, action_key,
		       entity_type, entity_id, before_json, after_json, delta_json, occurred_at
		FROM operator_attributions WHERE id = $1`, id)
	a, err := scanAttribution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) ListWindow(ctx context.Context, actorUserID string, from, to time.Time) ([]*Attribution, error) {
	query := `
		SELECT id, actor_user_id, source_type, rule_key, action_key,
		       entity_type, entity_id, before_json, after_json, delta_json, occurred_at
		FROM operator_attributions
		WHERE occurred_at >= $1 AND occurred_at < $2`
	args := []interface{}{from, to}
	if actorUserID != "" {
		query += ` AND actor_user_id = $3`
		args = append(args, actorUserID)
	}
	query += ` ORDER BY occurred_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attributions: %w", err)
	}
	defer rows.Close()

	var out []*Attribution
	for rows.Next() {
		a, err := scanAttribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAttribution(row rowScanner) (*Attribution, error) {
	var (
		a          Attribution
		entityType sql.NullString
		entityID   sql.NullString
		beforeJSON []byte
		afterJSON  []byte
		deltaJSON  []byte
	)
	err := row.Scan(&a.ID, &a.ActorUserID, &a.SourceType, &a.RuleKey, &a.ActionKey,
		&entityType, &entityID, &beforeJSON, &afterJSON, &deltaJSON, &a.OccurredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan attribution: %w", err)
	}
	a.EntityType = entityType.String
	a.EntityID = entityID.String

	a.Before = &snapshot.ContextSnapshot{}
	if err := json.Unmarshal(beforeJSON, a.Before); err != nil {
		return nil, fmt.Errorf("decode before snapshot: %w", err)
	}
	a.After = &snapshot.ContextSnapshot{}
	if err := json.Unmarshal(afterJSON, a.After); err != nil {
		return nil, fmt.Errorf("decode after snapshot: %w", err)
	}
	if err := json.Unmarshal(deltaJSON, &a.Delta); err != nil {
		return nil, fmt.Errorf("decode delta: %w", err)
	}
	return &a, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
