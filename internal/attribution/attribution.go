// Package attribution links an executed action to the measured before/after
// change in operator state. Records are write-once telemetry: loss is
// acceptable, mutation is not.
package attribution

import (
	"context"
	"errors"
	"time"

	"github.com/opsdeck/opsdeck/internal/snapshot"
)

// ErrNotFound is returned when an attribution does not exist.
var ErrNotFound = errors.New("attribution: not found")

// Source types for recorded attributions.
const (
	SourceNBAExecute    = "nba_execute"
	SourceCopilotAction = "copilot_action"
)

// BandChange is a band transition between snapshots.
type BandChange struct {
	From snapshot.Band `json:"from"`
	To   snapshot.Band `json:"to"`
}

// Delta is the computed difference between two context snapshots.
type Delta struct {
	RiskOpenDelta     int         `json:"riskOpenDelta"`
	RiskCriticalDelta int         `json:"riskCriticalDelta"`
	ScoreDelta        *float64    `json:"scoreDelta,omitempty"`
	BandChange        *BandChange `json:"bandChange,omitempty"`
}

// ComputeDelta diffs two snapshots. Sections a snapshot lacks contribute
// nothing: risk deltas are zero without both risk censuses, ScoreDelta is
// nil when either side lacks a score, and BandChange is nil unless both
// bands are known and differ. No scoring collaborator wired means every
// snapshot has a nil Score section, and that must not break attribution.
func ComputeDelta(before, after *snapshot.ContextSnapshot) Delta {
	var d Delta
	if before.Risk != nil && after.Risk != nil {
		d.RiskOpenDelta = after.Risk.OpenCount - before.Risk.OpenCount
		d.RiskCriticalDelta = after.Risk.CriticalCount - before.Risk.CriticalCount
	}
	if before.Score == nil || after.Score == nil {
		return d
	}
	if before.Score.Value != nil && after.Score.Value != nil {
		diff := *after.Score.Value - *before.Score.Value
		d.ScoreDelta = &diff
	}
	if snapshot.BandRank(before.Score.Band) > 0 && snapshot.BandRank(after.Score.Band) > 0 &&
		before.Score.Band != after.Score.Band {
		d.BandChange = &BandChange{From: before.Score.Band, To: after.Score.Band}
	}
	return d
}

// BandImproved reports whether the delta's band transition is a strict
// improvement.
func (d Delta) BandImproved() bool {
	return d.BandChange != nil && snapshot.CompareBands(d.BandChange.From, d.BandChange.To) > 0
}

// BandWorsened reports whether the delta's band transition is a strict
// worsening.
func (d Delta) BandWorsened() bool {
	return d.BandChange != nil && snapshot.CompareBands(d.BandChange.From, d.BandChange.To) < 0
}

// Attribution is one recorded before/after measurement, immutable once
// written.
type Attribution struct {
	ID          string                    `json:"id"`
	ActorUserID string                    `json:"actorUserId"`
	SourceType  string                    `json:"sourceType"`
	RuleKey     string                    `json:"ruleKey"`
	ActionKey   string                    `json:"actionKey"`
	EntityType  string                    `json:"entityType,omitempty"`
	EntityID    string                    `json:"entityId,omitempty"`
	Before      *snapshot.ContextSnapshot `json:"before"`
	After       *snapshot.ContextSnapshot `json:"after"`
	Delta       Delta                     `json:"delta"`
	OccurredAt  time.Time                 `json:"occurredAt"`
}

// Store persists attributions.
type Store interface {
	Create(ctx context.Context, a *Attribution) error
	Get(ctx context.Context, id string) (*Attribution, error)
	ListWindow(ctx context.Context, actorUserID string, from, to time.Time) ([]*Attribution, error)
}
