package policy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opsdeck/opsdeck/internal/actions"
	"github.com/opsdeck/opsdeck/internal/effectiveness"
	"github.com/opsdeck/opsdeck/internal/flags"
	"github.com/opsdeck/opsdeck/internal/logging"
)

// Suggestion thresholds. A rule needs real volume before its dismiss rate
// means anything.
const (
	suppressionMinDismissals  = 2
	suppressionMinRate        = 0.5
	suppressionHighRate       = 0.7
	weightAdjustMinAttributed = 1.5 // |netLiftScore| before a weight nudge is worth proposing
	suppressionDays           = 30
)

// Engine derives suggestions from rule activity and effectiveness windows.
type Engine struct {
	actions actions.Store
	weights WeightStore
	flags   flags.Store
	now     func() time.Time
}

// NewEngine wires a policy engine.
func NewEngine(actionStore actions.Store, weightStore WeightStore, flagStore flags.Store) *Engine {
	return &Engine{actions: actionStore, weights: weightStore, flags: flagStore, now: time.Now}
}

// WithClock overrides the engine's clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ComputeWindowStats aggregates per-rule trigger, execute, and dismiss
// counts in [from, to).
func (e *Engine) ComputeWindowStats(ctx context.Context, from, to time.Time) (*WindowStats, error) {
	activity, err := e.actions.RuleActivity(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("rule activity: %w", err)
	}

	stats := &WindowStats{From: from, To: to, ByRule: make(map[string]*RuleStats, len(activity))}
	for key, a := range activity {
		rs := &RuleStats{
			RuleKey:      key,
			TotalCount:   a.Triggered,
			ExecuteCount: a.ExecutedOK,
			DismissCount: a.Dismissed,
		}
		if rs.TotalCount > 0 {
			rs.DismissRate = float64(rs.DismissCount) / float64(rs.TotalCount)
			rs.ExecuteRate = float64(rs.ExecuteCount) / float64(rs.TotalCount)
		}
		stats.ByRule[key] = rs
	}
	return stats, nil
}

// ComputeTrendDiffs compares the current window to the immediately
// preceding window of equal length. Rules present in either window appear
// in the result.
func ComputeTrendDiffs(current, prior *WindowStats) []*TrendDiff {
	keys := make(map[string]bool)
	for k := range current.ByRule {
		keys[k] = true
	}
	for k := range prior.ByRule {
		keys[k] = true
	}

	var out []*TrendDiff
	for k := range keys {
		cur, prev := current.ByRule[k], prior.ByRule[k]
		if cur == nil {
			cur = &RuleStats{RuleKey: k}
		}
		if prev == nil {
			prev = &RuleStats{RuleKey: k}
		}
		out = append(out, &TrendDiff{
			RuleKey:          k,
			TotalDelta:       cur.TotalCount - prev.TotalCount,
			DismissDelta:     cur.DismissCount - prev.DismissCount,
			DismissRateDelta: cur.DismissRate - prev.DismissRate,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleKey < out[j].RuleKey })
	return out
}

// DeriveSuggestions proposes suppressions for rules the operator keeps
// dismissing and weight adjustments for rules with strong measured lift
// (either direction). Advisory only.
func DeriveSuggestions(current *WindowStats, byRule map[string]*effectiveness.RuleEffectiveness) []*Suggestion {
	var out []*Suggestion

	for _, rs := range current.ByRule {
		if rs.DismissCount < suppressionMinDismissals || rs.DismissRate < suppressionMinRate {
			continue
		}
		confidence := ConfidenceMedium
		if rs.DismissRate >= suppressionHighRate && rs.DismissCount >= 2*suppressionMinDismissals {
			confidence = ConfidenceHigh
		}
		out = append(out, &Suggestion{
			Type:       SuggestionSuppression30d,
			RuleKey:    rs.RuleKey,
			Confidence: confidence,
			Reason: fmt.Sprintf("dismissed %d of %d triggers (%.0f%%)",
				rs.DismissCount, rs.TotalCount, rs.DismissRate*100),
			Evidence: Evidence{
				DismissCount: rs.DismissCount,
				TotalCount:   rs.TotalCount,
				DismissRate:  rs.DismissRate,
			},
		})
	}

	for key, eff := range byRule {
		if eff.NetLiftScore > -weightAdjustMinAttributed && eff.NetLiftScore < weightAdjustMinAttributed {
			continue
		}
		delta := effectiveness.Boost(eff.NetLiftScore)
		direction := "raise"
		if delta < 0 {
			direction = "lower"
		}
		confidence := ConfidenceLow
		if eff.AttributionCount >= 5 {
			confidence = ConfidenceMedium
		}
		out = append(out, &Suggestion{
			Type:       SuggestionWeightAdjustment,
			RuleKey:    key,
			Confidence: confidence,
			Reason: fmt.Sprintf("%s ranking weight: net lift %.1f over %d measured outcomes",
				direction, eff.NetLiftScore, eff.AttributionCount),
			Evidence:    Evidence{NetLiftScore: eff.NetLiftScore},
			WeightDelta: delta,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RuleKey != out[j].RuleKey {
			return out[i].RuleKey < out[j].RuleKey
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// BuildPatternAlerts turns suggestions into operator-visible alerts,
// skipping any rule that already has an open pattern flag.
func (e *Engine) BuildPatternAlerts(ctx context.Context, suggestions []*Suggestion) ([]*PatternAlert, error) {
	open, err := e.flags.List(ctx, flags.ListFilter{Status: flags.StatusOpen})
	if err != nil {
		return nil, fmt.Errorf("list open flags: %w", err)
	}
	openPattern := make(map[string]bool)
	for _, f := range open {
		openPattern[f.Key] = true
	}

	now := e.now()
	var out []*PatternAlert
	for _, s := range suggestions {
		key := "pattern:" + s.RuleKey
		if openPattern[key] {
			continue
		}
		title := fmt.Sprintf("Rule %s looks noisy", s.RuleKey)
		if s.Type == SuggestionWeightAdjustment {
			title = fmt.Sprintf("Rule %s has measurable impact", s.RuleKey)
		}
		out = append(out, &PatternAlert{
			Key:        key,
			RuleKey:    s.RuleKey,
			Type:       s.Type,
			Title:      title,
			Reason:     s.Reason,
			Confidence: s.Confidence,
			RaisedAt:   now,
		})
	}
	return out, nil
}

// Apply commits one suggestion to the learned-weight store. This is the
// only path that mutates weights from suggestion data.
func (e *Engine) Apply(ctx context.Context, s *Suggestion) (*LearnedWeight, error) {
	now := e.now()
	w, err := e.weights.Get(ctx, s.RuleKey)
	if err != nil {
		if err != ErrNotFound {
			return nil, fmt.Errorf("load weight: %w", err)
		}
		w = &LearnedWeight{Key: s.RuleKey, Kind: KindRule}
	}

	switch s.Type {
	case SuggestionSuppression30d:
		until := now.Add(suppressionDays * 24 * time.Hour)
		w.SuppressedUntil = &until
	case SuggestionWeightAdjustment:
		w.Weight += s.WeightDelta
	default:
		return nil, fmt.Errorf("policy: unknown suggestion type %q", s.Type)
	}

	w.Stats = map[string]any{
		"lastApplied":    s.Type,
		"lastAppliedAt":  now.Format(time.RFC3339),
		"lastConfidence": s.Confidence,
		"dismissCount":   s.Evidence.DismissCount,
		"totalCount":     s.Evidence.TotalCount,
		"netLiftScore":   s.Evidence.NetLiftScore,
	}
	w.UpdatedAt = now

	if err := e.weights.Upsert(ctx, w); err != nil {
		return nil, fmt.Errorf("save weight: %w", err)
	}
	logging.L(ctx).Info("policy suggestion applied",
		"rule_key", s.RuleKey, "type", s.Type, "confidence", s.Confidence)
	return w, nil
}
