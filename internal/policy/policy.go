// Package policy turns rule activity and effectiveness data into advisory
// suggestions: suppress a noisy rule, nudge a learned weight. Suggestions
// never mutate anything until an explicit apply step.
package policy

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a learned weight does not exist.
var ErrNotFound = errors.New("policy: not found")

// WeightKind values. Only rules carry learned weights today.
const KindRule = "rule"

// LearnedWeight is a per-rule ranking bias, mutated only through Apply or
// operator override.
type LearnedWeight struct {
	Key             string         `json:"key"`
	Kind            string         `json:"kind"`
	Weight          float64        `json:"weight"`
	SuppressedUntil *time.Time     `json:"suppressedUntil,omitempty"`
	Stats           map[string]any `json:"stats,omitempty"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Suppressed reports whether the weight is under an active suppression.
func (w *LearnedWeight) Suppressed(now time.Time) bool {
	return w.SuppressedUntil != nil && now.Before(*w.SuppressedUntil)
}

// WeightStore persists learned weights.
type WeightStore interface {
	Get(ctx context.Context, key string) (*LearnedWeight, error)
	Upsert(ctx context.Context, w *LearnedWeight) error
	List(ctx context.Context) ([]*LearnedWeight, error)
}

// RuleStats aggregates one rule's activity inside a window.
type RuleStats struct {
	RuleKey      string  `json:"ruleKey"`
	TotalCount   int     `json:"totalCount"`
	ExecuteCount int     `json:"executeCount"`
	DismissCount int     `json:"dismissCount"`
	DismissRate  float64 `json:"dismissRate"`
	ExecuteRate  float64 `json:"executeRate"`
}

// WindowStats is the per-rule aggregate over one time range.
type WindowStats struct {
	From   time.Time             `json:"from"`
	To     time.Time             `json:"to"`
	ByRule map[string]*RuleStats `json:"byRule"`
}

// TrendDiff compares one rule between the current window and the
// immediately preceding window of equal length.
type TrendDiff struct {
	RuleKey          string  `json:"ruleKey"`
	TotalDelta       int     `json:"totalDelta"`
	DismissDelta     int     `json:"dismissDelta"`
	DismissRateDelta float64 `json:"dismissRateDelta"`
}

// Suggestion types.
const (
	SuggestionSuppression30d   = "suppression_30d"
	SuggestionWeightAdjustment = "weight_adjustment"
)

// Confidence levels on a suggestion.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Evidence cites the numbers a suggestion is based on.
type Evidence struct {
	DismissCount int     `json:"dismissCount,omitempty"`
	TotalCount   int     `json:"totalCount,omitempty"`
	DismissRate  float64 `json:"dismissRate,omitempty"`
	NetLiftScore float64 `json:"netLiftScore,omitempty"`
}

// Suggestion is an advisory policy change. Nothing applies it implicitly.
type Suggestion struct {
	Type       string   `json:"type"`
	RuleKey    string   `json:"ruleKey"`
	Confidence string   `json:"confidence"`
	Reason     string   `json:"reason"`
	Evidence   Evidence `json:"evidence"`
	// WeightDelta is set on weight_adjustment suggestions.
	WeightDelta float64 `json:"weightDelta,omitempty"`
}

// PatternAlert is a suggestion surfaced as an operator-visible item. Key is
// "pattern:<ruleKey>" so an already-open flag with the same key suppresses
// a duplicate.
type PatternAlert struct {
	Key        string    `json:"key"`
	RuleKey    string    `json:"ruleKey"`
	Type       string    `json:"type"`
	Title      string    `json:"title"`
	Reason     string    `json:"reason"`
	Confidence string    `json:"confidence"`
	RaisedAt   time.Time `json:"raisedAt"`
}
