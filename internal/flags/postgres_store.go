package flags

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opsdeck/opsdeck/internal/idgen"
)

// PostgresStore persists risk flags in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed flag store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const flagColumns = `id, key, title, severity, status, source_type, source_id, entity_type, entity_id, dedupe_key, created_by_rule, last_seen_at, created_at, updated_at`

func (p *PostgresStore) Upsert(ctx context.Context, candidates []*RiskFlag) (UpsertResult, error) {
	var res UpsertResult

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for _, c := range candidates {
		// Refresh the live record if one exists for this dedupe key.
		// Status is operator-owned and deliberately absent from the SET list.
		result, err := tx.ExecContext(ctx, `
			UPDATE risk_flags
			SET severity = $1, title = $2, source_type = $3, source_id = $4, last_seen_at = $5, updated_at = $5
			WHERE dedupe_key = $6`,
			c.Severity, c.Title, c.SourceType, c.SourceID, now, c.DedupeKey,
		)
		if err != nil {
			return UpsertResult{}, err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return UpsertResult{}, err
		}
		if rows > 0 {
			res.Updated++
			continue
		}

		id := c.ID
		if id == "" {
			id = idgen.WithPrefix("flag_")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO risk_flags (`+flagColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`,
			id, c.Key, c.Title, c.Severity, StatusOpen, c.SourceType, c.SourceID,
			c.EntityType, c.EntityID, c.DedupeKey, c.CreatedByRule, now, now,
		)
		if err != nil {
			return UpsertResult{}, err
		}
		res.Created++
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*RiskFlag, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+flagColumns+` FROM risk_flags WHERE id = $1`, id)
	return scanFlag(row)
}

func (p *PostgresStore) GetByDedupeKey(ctx context.Context, dedupeKey string) (*RiskFlag, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+flagColumns+` FROM risk_flags WHERE dedupe_key = $1`, dedupeKey)
	return scanFlag(row)
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*RiskFlag, error) {
	query := `SELECT ` + flagColumns + ` FROM risk_flags WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		query += ` AND status = ` + arg(filter.Status)
	}
	if filter.EntityType != "" {
		query += ` AND entity_type = ` + arg(filter.EntityType)
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ` + arg(filter.EntityID)
	}
	query += `
		ORDER BY CASE severity
			WHEN 'critical' THEN 4
			WHEN 'high' THEN 3
			WHEN 'medium' THEN 2
			WHEN 'low' THEN 1
			ELSE 0 END DESC,
		last_seen_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*RiskFlag
	for rows.Next() {
		f, err := scanFlagRows(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !ValidStatus(status) {
		return ErrInvalidStatus
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE risk_flags SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) OpenRiskCounts(ctx context.Context, entityType, entityID string) (*RiskCounts, error) {
	query := `SELECT severity, COUNT(*) FROM risk_flags WHERE status = 'open'`
	var args []interface{}
	if entityType != "" {
		args = append(args, entityType)
		query += fmt.Sprintf(` AND entity_type = $%d`, len(args))
	}
	if entityID != "" {
		args = append(args, entityID)
		query += fmt.Sprintf(` AND entity_id = $%d`, len(args))
	}
	query += ` GROUP BY severity`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := &RiskCounts{BySeverity: make(map[string]int)}
	for rows.Next() {
		var severity string
		var n int
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, err
		}
		counts.BySeverity[severity] = n
		counts.OpenCount += n
		if severity == string(SeverityCritical) {
			counts.CriticalCount = n
		}
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFlag(row *sql.Row) (*RiskFlag, error) {
	f, err := scanFlagRows(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return f, err
}

func scanFlagRows(row rowScanner) (*RiskFlag, error) {
	f := &RiskFlag{}
	var sourceID, entityType, entityID sql.NullString
	err := row.Scan(&f.ID, &f.Key, &f.Title, &f.Severity, &f.Status,
		&f.SourceType, &sourceID, &entityType, &entityID,
		&f.DedupeKey, &f.CreatedByRule, &f.LastSeenAt, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.SourceID = sourceID.String
	f.EntityType = entityType.String
	f.EntityID = entityID.String
	return f, nil
}

var _ Store = (*PostgresStore)(nil)
