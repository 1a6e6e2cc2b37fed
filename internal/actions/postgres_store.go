package actions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opsdeck/opsdeck/internal/idgen"
)

// PostgresStore is the production Store backed by Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed action store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// effectiveStatus resolves an elapsed snooze back to queued at read time so
// the stored row never needs a background sweep.
const effectiveStatus = `CASE WHEN status = 'snoozed' AND snoozed_until <= NOW() THEN 'queued' ELSE status END`

var actionColumns = fmt.Sprintf(`id, title, reason, priority, score, %s AS status,
	entity_type, entity_id, dedupe_key, created_by_rule, source_type,
	CASE WHEN status = 'snoozed' AND snoozed_until <= NOW() THEN NULL ELSE snoozed_until END AS snoozed_until,
	last_executed_at, last_execution_status, last_seen_at, created_at, updated_at`, effectiveStatus)

func (s *PostgresStore) Upsert(ctx context.Context, candidates []*NextBestAction) (UpsertResult, error) {
	var res UpsertResult

	// One transaction for the whole batch so a repeated dedupe key inside
	// the batch hits the update path of the earlier insert.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range candidates {
		// Status, snooze state, and execution history are deliberately
		// absent from the SET list: they belong to the operator.
		updated, err := tx.ExecContext(ctx, `
			UPDATE next_best_actions
			SET title = $1, reason = $2, priority = $3, score = $4,
			    source_type = $5, last_seen_at = NOW(), updated_at = NOW()
			WHERE dedupe_key = $6`,
			c.Title, c.Reason, string(c.Priority), c.Score, c.SourceType, c.DedupeKey)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("update action: %w", err)
		}
		if n, _ := updated.RowsAffected(); n > 0 {
			res.Updated++
			continue
		}

		id := c.ID
		if id == "" {
			id = idgen.WithPrefix("nba_")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO next_best_actions
				(id, title, reason, priority, score, status, entity_type, entity_id,
				 dedupe_key, created_by_rule, source_type, last_seen_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 'queued', $6, $7, $8, $9, $10, NOW(), NOW(), NOW())`,
			id, c.Title, c.Reason, string(c.Priority), c.Score,
			nullIfEmpty(c.EntityType), nullIfEmpty(c.EntityID),
			c.DedupeKey, c.CreatedByRule, c.SourceType)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("insert action: %w", err)
		}
		res.Created++
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*NextBestAction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM next_best_actions WHERE id = $1`, id)
	return scanAction(row)
}

func (s *PostgresStore) GetByDedupeKey(ctx context.Context, dedupeKey string) (*NextBestAction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM next_best_actions WHERE dedupe_key = $1`, dedupeKey)
	return scanAction(row)
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*NextBestAction, error) {
	query := `SELECT ` + actionColumns + ` FROM next_best_actions WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		query += ` AND ` + effectiveStatus + ` = ` + arg(string(filter.Status))
	}
	if filter.EntityType != "" {
		query += ` AND entity_type = ` + arg(filter.EntityType)
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ` + arg(filter.EntityID)
	}

	query += ` ORDER BY
		CASE priority
			WHEN 'critical' THEN 4
			WHEN 'high' THEN 3
			WHEN 'medium' THEN 2
			ELSE 1
		END DESC, score DESC, created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []*NextBestAction
	for rows.Next() {
		a, err := scanActionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordExecution(ctx context.Context, nba *NextBestAction, exec *Execution) error {
	if !ValidStatus(nba.Status) {
		return ErrInvalidStatus
	}

	// Execution row and action transition commit together; a crash can
	// never leave the action done with no record of how it got there.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin execution: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	execID := exec.ID
	if execID == "" {
		execID = idgen.WithPrefix("exec_")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO next_action_executions
			(id, next_action_id, action_key, rule_key, status, started_at, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		execID, nba.ID, exec.ActionKey, nullIfEmpty(exec.RuleKey),
		string(exec.Status), exec.StartedAt, nullIfEmpty(exec.ErrorMessage))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE next_best_actions
		SET status = $1, snoozed_until = $2, last_executed_at = $3,
		    last_execution_status = $4, updated_at = NOW()
		WHERE id = $5`,
		string(nba.Status), nullTime(nba.SnoozedUntil), exec.StartedAt,
		string(exec.Status), nba.ID)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, nextActionID string, limit int) ([]*Execution, error) {
	query := `
		SELECT id, next_action_id, action_key, rule_key, status, started_at, error_message
		FROM next_action_executions
		WHERE next_action_id = $1
		ORDER BY started_at DESC`
	args := []interface{}{nextActionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		var (
			e       Execution
			ruleKey sql.NullString
			errMsg  sql.NullString
			status  string
		)
		if err := rows.Scan(&e.ID, &e.NextActionID, &e.ActionKey, &ruleKey, &status, &e.StartedAt, &errMsg); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.RuleKey = ruleKey.String
		e.ErrorMessage = errMsg.String
		e.Status = ExecStatus(status)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) QueuedActionCounts(ctx context.Context, entityType, entityID string) (*ActionCounts, error) {
	query := `
		SELECT priority, COUNT(*)
		FROM next_best_actions
		WHERE ` + effectiveStatus + ` = 'queued'`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if entityType != "" {
		query += ` AND entity_type = ` + arg(entityType)
	}
	if entityID != "" {
		query += ` AND entity_id = ` + arg(entityID)
	}
	query += ` GROUP BY priority`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queued counts: %w", err)
	}
	defer rows.Close()

	counts := &ActionCounts{ByPriority: make(map[string]int)}
	for rows.Next() {
		var priority string
		var n int
		if err := rows.Scan(&priority, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts.ByPriority[priority] = n
		counts.QueuedCount += n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) RuleActivity(ctx context.Context, from, to time.Time) (map[string]*RuleActivity, error) {
	out := make(map[string]*RuleActivity)
	bucket := func(rule string) *RuleActivity {
		if rule == "" {
			rule = "unknown"
		}
		b, ok := out[rule]
		if !ok {
			b = &RuleActivity{}
			out[rule] = b
		}
		return b
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT created_by_rule, COUNT(*)
		FROM next_best_actions
		WHERE last_seen_at >= $1 AND last_seen_at < $2
		GROUP BY created_by_rule`, from, to)
	if err != nil {
		return nil, fmt.Errorf("rule triggers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rule string
		var n int
		if err := rows.Scan(&rule, &n); err != nil {
			return nil, fmt.Errorf("scan triggers: %w", err)
		}
		bucket(rule).Triggered = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	execRows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(rule_key, ''), action_key, COUNT(*)
		FROM next_action_executions
		WHERE status = 'success' AND started_at >= $1 AND started_at < $2
		GROUP BY rule_key, action_key`, from, to)
	if err != nil {
		return nil, fmt.Errorf("rule executions: %w", err)
	}
	defer execRows.Close()
	for execRows.Next() {
		var rule, actionKey string
		var n int
		if err := execRows.Scan(&rule, &actionKey, &n); err != nil {
			return nil, fmt.Errorf("scan executions: %w", err)
		}
		if actionKey == "dismiss" {
			bucket(rule).Dismissed += n
		} else {
			bucket(rule).ExecutedOK += n
		}
	}
	return out, execRows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (*NextBestAction, error) {
	a, err := scanActionInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func scanActionRows(rows *sql.Rows) (*NextBestAction, error) {
	return scanActionInto(rows)
}

func scanActionInto(row rowScanner) (*NextBestAction, error) {
	var (
		a          NextBestAction
		priority   string
		status     string
		entityType sql.NullString
		entityID   sql.NullString
		snoozed    sql.NullTime
		lastExec   sql.NullTime
		lastStatus sql.NullString
	)
	err := row.Scan(&a.ID, &a.Title, &a.Reason, &priority, &a.Score, &status,
		&entityType, &entityID, &a.DedupeKey, &a.CreatedByRule, &a.SourceType,
		&snoozed, &lastExec, &lastStatus, &a.LastSeenAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan action: %w", err)
	}
	a.Priority = Priority(priority)
	a.Status = Status(status)
	a.EntityType = entityType.String
	a.EntityID = entityID.String
	a.LastExecutionStatus = lastStatus.String
	if snoozed.Valid {
		t := snoozed.Time
		a.SnoozedUntil = &t
	}
	if lastExec.Valid {
		t := lastExec.Time
		a.LastExecutedAt = &t
	}
	return &a, nil
}

func nullIfEmpty(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
