// Package effectiveness aggregates attribution deltas into a per-rule net
// lift score, the feedback signal behind ranking boosts and policy
// suggestions.
package effectiveness

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opsdeck/opsdeck/internal/attribution"
)

// Classification of a single attribution's outcome.
type Classification string

const (
	StrongPositive Classification = "strong_positive"
	StrongNegative Classification = "strong_negative"
	Weak           Classification = "weak"
)

// Score-delta thresholds for strong and weak classification.
const (
	strongScoreDelta = 5.0
	weakScoreDelta   = 2.0
)

// Classify buckets one delta. When a delta shows both strongly positive and
// strongly negative signals at once (critical count down but band worse),
// neither side is trusted and it classifies weak.
func Classify(d attribution.Delta) Classification {
	pos := d.RiskCriticalDelta < 0 || d.BandImproved() ||
		(d.ScoreDelta != nil && *d.ScoreDelta >= strongScoreDelta)
	neg := d.RiskCriticalDelta > 0 || d.BandWorsened() ||
		(d.ScoreDelta != nil && *d.ScoreDelta <= -strongScoreDelta)

	switch {
	case pos && !neg:
		return StrongPositive
	case neg && !pos:
		return StrongNegative
	default:
		return Weak
	}
}

// Contribution converts one delta to its net-lift contribution: strong
// outcomes count +/-2, weak outcomes earn fractional credit from whichever
// signals they do carry.
func Contribution(d attribution.Delta) float64 {
	switch Classify(d) {
	case StrongPositive:
		return 2
	case StrongNegative:
		return -2
	}

	var c float64
	if d.RiskCriticalDelta < 0 {
		c += 0.5
	} else if d.RiskCriticalDelta > 0 {
		c -= 0.5
	}
	if d.ScoreDelta != nil {
		switch {
		case *d.ScoreDelta >= weakScoreDelta:
			c += 0.3
		case *d.ScoreDelta <= -weakScoreDelta:
			c -= 0.3
		}
	}
	return c
}

// RuleEffectiveness is the aggregated window result for one rule.
type RuleEffectiveness struct {
	RuleKey             string  `json:"ruleKey"`
	AttributionCount    int     `json:"attributionCount"`
	NetLiftScore        float64 `json:"netLiftScore"`
	BandImprovementRate float64 `json:"bandImprovementRate"`
}

// Compute aggregates attributions per rule. NetLiftScore is the average
// per-attribution contribution clamped to [-10, 10];
// BandImprovementRate is the fraction whose band strictly improved.
func Compute(attrs []*attribution.Attribution) map[string]*RuleEffectiveness {
	type acc struct {
		sum      float64
		count    int
		improved int
	}
	byRule := make(map[string]*acc)
	for _, a := range attrs {
		if a.RuleKey == "" {
			continue
		}
		b, ok := byRule[a.RuleKey]
		if !ok {
			b = &acc{}
			byRule[a.RuleKey] = b
		}
		b.sum += Contribution(a.Delta)
		b.count++
		if a.Delta.BandImproved() {
			b.improved++
		}
	}

	out := make(map[string]*RuleEffectiveness, len(byRule))
	for key, b := range byRule {
		out[key] = &RuleEffectiveness{
			RuleKey:             key,
			AttributionCount:    b.count,
			NetLiftScore:        clamp(b.sum/float64(b.count), -10, 10),
			BandImprovementRate: float64(b.improved) / float64(b.count),
		}
	}
	return out
}

// TopEffective returns rules with positive net lift, best first.
func TopEffective(byRule map[string]*RuleEffectiveness, n int) []*RuleEffectiveness {
	var out []*RuleEffectiveness
	for _, e := range byRule {
		if e.NetLiftScore > 0 {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NetLiftScore != out[j].NetLiftScore {
			return out[i].NetLiftScore > out[j].NetLiftScore
		}
		return out[i].RuleKey < out[j].RuleKey
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// NoisyRule is a rule the operator keeps dismissing without measurable lift.
type NoisyRule struct {
	RuleKey      string  `json:"ruleKey"`
	DismissCount int     `json:"dismissCount"`
	NetLiftScore float64 `json:"netLiftScore"`
}

// TopNoisy returns rules dismissed at least twice with non-positive net
// lift, most-dismissed first. A rule with dismissals but no attributions in
// the window still qualifies with a zero score.
func TopNoisy(byRule map[string]*RuleEffectiveness, dismissCounts map[string]int, n int) []*NoisyRule {
	var out []*NoisyRule
	for key, dismissed := range dismissCounts {
		if dismissed < 2 {
			continue
		}
		var net float64
		if e, ok := byRule[key]; ok {
			net = e.NetLiftScore
		}
		if net > 0 {
			continue
		}
		out = append(out, &NoisyRule{RuleKey: key, DismissCount: dismissed, NetLiftScore: net})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DismissCount != out[j].DismissCount {
			return out[i].DismissCount > out[j].DismissCount
		}
		return out[i].RuleKey < out[j].RuleKey
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Boost converts a net lift score into a ranking nudge. The band is
// narrower than the raw score so a learned effect can reorder within a
// priority tier but never dominate rule-declared priority.
func Boost(netLiftScore float64) float64 {
	return clamp(netLiftScore, -6, 6)
}

// Aggregator computes window effectiveness from stored attributions.
type Aggregator struct {
	store attribution.Store
}

// NewAggregator creates an aggregator over store.
func NewAggregator(store attribution.Store) *Aggregator {
	return &Aggregator{store: store}
}

// ComputeWindow aggregates a single actor's attributions in [from, to).
func (g *Aggregator) ComputeWindow(ctx context.Context, actorUserID string, from, to time.Time) (map[string]*RuleEffectiveness, error) {
	attrs, err := g.store.ListWindow(ctx, actorUserID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load attributions: %w", err)
	}
	return Compute(attrs), nil
}

// BoostFunc returns a ranking boost function backed by a computed window.
// Rules with no attributions get no adjustment.
func BoostFunc(byRule map[string]*RuleEffectiveness) func(ruleKey string) float64 {
	return func(ruleKey string) float64 {
		e, ok := byRule[ruleKey]
		if !ok {
			return 0
		}
		return Boost(e.NetLiftScore)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
