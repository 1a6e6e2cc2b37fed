// Package actions implements next-best-action persistence, execution records,
// and queue ranking.
//
// A next-best-action (NBA) is a suggested unit of work emitted by a rule.
// Actions share the flag store's dedupe discipline: one record per dedupe
// key, refresh on re-detection, operator status untouched by re-runs. Every
// execution attempt leaves exactly one immutable execution row.
package actions

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound      = errors.New("actions: not found")
	ErrInvalidStatus = errors.New("actions: invalid status")
)

// Priority of a suggested action.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityRank maps a priority to its ordinal position; higher is more urgent.
func PriorityRank(p Priority) int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	default:
		return 0
	}
}

// Status of an action in its lifecycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusDone      Status = "done"
	StatusDismissed Status = "dismissed"
	StatusSnoozed   Status = "snoozed"
)

// ValidStatus reports whether s is a recognized action status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusQueued, StatusDone, StatusDismissed, StatusSnoozed:
		return true
	}
	return false
}

// Terminal reports whether s ends the action's lifecycle.
func Terminal(s Status) bool {
	return s == StatusDone || s == StatusDismissed
}

// NextBestAction is a suggested unit of work surfaced to the operator.
type NextBestAction struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title"`
	Reason              string     `json:"reason"`
	Priority            Priority   `json:"priority"`
	Score               float64    `json:"score"`
	Status              Status     `json:"status"`
	EntityType          string     `json:"entityType,omitempty"`
	EntityID            string     `json:"entityId,omitempty"`
	DedupeKey           string     `json:"dedupeKey"` // unique
	CreatedByRule       string     `json:"createdByRule"`
	SourceType          string     `json:"sourceType"`
	SnoozedUntil        *time.Time `json:"snoozedUntil,omitempty"`
	LastExecutedAt      *time.Time `json:"lastExecutedAt,omitempty"`
	LastExecutionStatus string     `json:"lastExecutionStatus,omitempty"`
	LastSeenAt          time.Time  `json:"lastSeenAt"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// ExecStatus is the terminal status of one execution attempt.
type ExecStatus string

const (
	ExecSuccess ExecStatus = "success"
	ExecFailed  ExecStatus = "failed"
)

// Execution is an immutable record of one execution attempt.
// Never mutated after creation.
type Execution struct {
	ID           string     `json:"id"`
	NextActionID string     `json:"nextActionId"`
	ActionKey    string     `json:"actionKey"`
	RuleKey      string     `json:"ruleKey,omitempty"` // denormalized from the NBA for aggregation
	Status       ExecStatus `json:"status"`
	StartedAt    time.Time  `json:"startedAt"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// UpsertResult reports what a batch upsert did.
type UpsertResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// ListFilter scopes an action listing. Zero values mean "any". When Status
// is queued, snoozed actions whose snooze has elapsed are included: the
// snooze expiring is what returns them to the queue.
type ListFilter struct {
	Status     Status
	EntityType string
	EntityID   string
	Limit      int
}

// ActionCounts is the queued-action census used by snapshot capture.
type ActionCounts struct {
	QueuedCount int            `json:"queuedCount"`
	ByPriority  map[string]int `json:"byPriority"`
}

// RuleActivity aggregates per-rule counters over a time window, the raw
// input for policy window stats.
type RuleActivity struct {
	Triggered  int `json:"triggered"`
	ExecutedOK int `json:"executedOk"`
	Dismissed  int `json:"dismissed"`
}

// Store persists next-best-actions and their execution records.
//
// RecordExecution writes the execution row and the NBA's post-execution
// fields together; the Postgres implementation commits both in one
// transaction so a crash cannot leave an NBA done with no execution row.
type Store interface {
	Upsert(ctx context.Context, candidates []*NextBestAction) (UpsertResult, error)
	Get(ctx context.Context, id string) (*NextBestAction, error)
	GetByDedupeKey(ctx context.Context, dedupeKey string) (*NextBestAction, error)
	List(ctx context.Context, filter ListFilter) ([]*NextBestAction, error)
	RecordExecution(ctx context.Context, nba *NextBestAction, exec *Execution) error
	ListExecutions(ctx context.Context, nextActionID string, limit int) ([]*Execution, error)
	QueuedActionCounts(ctx context.Context, entityType, entityID string) (*ActionCounts, error)
	RuleActivity(ctx context.Context, from, to time.Time) (map[string]*RuleActivity, error)
}
