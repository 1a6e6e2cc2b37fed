// Package flags implements risk-flag persistence with dedupe-keyed upsert.
//
// A risk flag is a detected adverse condition. Detection is best-effort and
// re-runs constantly, so the store is built around one rule: at most one flag
// per dedupe key. Re-detection refreshes the existing record; it never
// duplicates it and never overrides a status the operator has set.
package flags

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound      = errors.New("flags: not found")
	ErrInvalidStatus = errors.New("flags: invalid status")
)

// Severity of a detected condition.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank maps a severity to its ordinal position; higher is worse.
// Unknown severities rank 0 and sort below low.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Status of a flag in its lifecycle.
type Status string

const (
	StatusOpen      Status = "open"
	StatusDismissed Status = "dismissed"
	StatusResolved  Status = "resolved"
	StatusSnoozed   Status = "snoozed"
)

// ValidStatus reports whether s is a recognized flag status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusOpen, StatusDismissed, StatusResolved, StatusSnoozed:
		return true
	}
	return false
}

// RiskFlag is a detected adverse condition surfaced to the operator.
type RiskFlag struct {
	ID            string    `json:"id"`
	Key           string    `json:"key"` // rule-scoped identifier
	Title         string    `json:"title"`
	Severity      Severity  `json:"severity"`
	Status        Status    `json:"status"`
	SourceType    string    `json:"sourceType"`
	SourceID      string    `json:"sourceId,omitempty"`
	EntityType    string    `json:"entityType,omitempty"`
	EntityID      string    `json:"entityId,omitempty"`
	DedupeKey     string    `json:"dedupeKey"` // unique
	CreatedByRule string    `json:"createdByRule"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// UpsertResult reports what a batch upsert did.
type UpsertResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Store persists risk flags.
//
// Upsert processes candidates in input order. For each candidate: absent
// dedupe key creates an open flag; present dedupe key refreshes severity,
// title, and lastSeenAt but leaves status untouched. Candidates missing from
// a batch are not retracted — resolution is an explicit operator action, not
// a re-run side effect.
type Store interface {
	Upsert(ctx context.Context, candidates []*RiskFlag) (UpsertResult, error)
	Get(ctx context.Context, id string) (*RiskFlag, error)
	GetByDedupeKey(ctx context.Context, dedupeKey string) (*RiskFlag, error)
	List(ctx context.Context, filter ListFilter) ([]*RiskFlag, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	OpenRiskCounts(ctx context.Context, entityType, entityID string) (*RiskCounts, error)
}

// ListFilter scopes a flag listing. Zero values mean "any".
type ListFilter struct {
	Status     Status
	EntityType string
	EntityID   string
	Limit      int
}

// RiskCounts is the open-flag census used by snapshot capture.
type RiskCounts struct {
	OpenCount     int            `json:"openCount"`
	CriticalCount int            `json:"criticalCount"`
	BySeverity    map[string]int `json:"bySeverity"`
}
