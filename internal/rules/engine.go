package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/opsdeck/opsdeck/internal/actions"
	"github.com/opsdeck/opsdeck/internal/flags"
	"github.com/opsdeck/opsdeck/internal/logging"
	"github.com/opsdeck/opsdeck/internal/metrics"
	"github.com/opsdeck/opsdeck/internal/notify"
	"github.com/opsdeck/opsdeck/internal/sanitize"
	"github.com/opsdeck/opsdeck/internal/traces"
)

// Source loads the read-model snapshot a rule run evaluates. The domain
// read-models live outside the engine; this is the seam they plug into.
type Source interface {
	Load(ctx context.Context) (*Input, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*Input, error)

func (f SourceFunc) Load(ctx context.Context) (*Input, error) { return f(ctx) }

// RunResult summarizes one rule run.
type RunResult struct {
	Created          int       `json:"created"`
	Updated          int       `json:"updated"`
	CriticalNotified int       `json:"criticalNotified"`
	LastRunAt        time.Time `json:"lastRunAt"`
}

// Engine evaluates the registry against a snapshot and persists the
// findings. One Engine per process; runs are synchronous.
type Engine struct {
	registry *Registry
	flags    flags.Store
	actions  actions.Store
	gate     *notify.Gate
	notifier notify.Notifier
	now      func() time.Time
}

// NewEngine wires an engine. gate and notifier may be a disabled gate and
// NoopNotifier when outbound alerting is not configured.
func NewEngine(registry *Registry, flagStore flags.Store, actionStore actions.Store, gate *notify.Gate, notifier notify.Notifier) *Engine {
	return &Engine{
		registry: registry,
		flags:    flagStore,
		actions:  actionStore,
		gate:     gate,
		notifier: notifier,
		now:      time.Now,
	}
}

// WithClock overrides the engine's clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Run evaluates every registered rule against in and upserts the results.
// Critical flag candidates additionally pass through the cooldown gate; at
// most one outbound alert per dedupe key per window regardless of how many
// runs re-detect the condition.
func (e *Engine) Run(ctx context.Context, in *Input) (*RunResult, error) {
	ctx, span := traces.StartSpan(ctx, "rules.Run")
	defer span.End()

	start := e.now()
	candidates := e.registry.EvaluateAll(in)

	var flagCands []*flags.RiskFlag
	var actionCands []*actions.NextBestAction
	var critical []Candidate
	for _, c := range candidates {
		switch c.Kind {
		case KindFlag:
			flagCands = append(flagCands, &flags.RiskFlag{
				Key:           c.Key,
				Title:         c.Title,
				Severity:      c.Severity,
				SourceType:    c.SourceType,
				SourceID:      c.SourceID,
				EntityType:    c.EntityType,
				EntityID:      c.EntityID,
				DedupeKey:     c.DedupeKey,
				CreatedByRule: c.Key,
			})
			if c.Severity == flags.SeverityCritical {
				critical = append(critical, c)
			}
		case KindAction:
			actionCands = append(actionCands, &actions.NextBestAction{
				Title:         c.Title,
				Reason:        c.Reason,
				Priority:      c.Priority,
				Score:         c.Score,
				EntityType:    c.EntityType,
				EntityID:      c.EntityID,
				DedupeKey:     c.DedupeKey,
				CreatedByRule: c.Key,
				SourceType:    c.SourceType,
			})
		}
	}

	fres, err := e.flags.Upsert(ctx, flagCands)
	if err != nil {
		metrics.RuleRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("upsert flags: %w", err)
	}
	metrics.CandidatesUpserted.WithLabelValues("flag", "created").Add(float64(fres.Created))
	metrics.CandidatesUpserted.WithLabelValues("flag", "updated").Add(float64(fres.Updated))

	ares, err := e.actions.Upsert(ctx, actionCands)
	if err != nil {
		metrics.RuleRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("upsert actions: %w", err)
	}
	metrics.CandidatesUpserted.WithLabelValues("action", "created").Add(float64(ares.Created))
	metrics.CandidatesUpserted.WithLabelValues("action", "updated").Add(float64(ares.Updated))

	notified := e.notifyCritical(ctx, critical)

	metrics.RuleRunsTotal.WithLabelValues("success").Inc()
	metrics.RuleRunDuration.Observe(e.now().Sub(start).Seconds())
	logging.L(ctx).Info("rule run complete",
		"candidates", len(candidates),
		"flags_created", fres.Created, "flags_updated", fres.Updated,
		"actions_created", ares.Created, "actions_updated", ares.Updated,
		"critical_notified", notified,
	)

	return &RunResult{
		Created:          fres.Created + ares.Created,
		Updated:          fres.Updated + ares.Updated,
		CriticalNotified: notified,
		LastRunAt:        e.now(),
	}, nil
}

// notifyCritical pushes critical flag candidates through the cooldown gate.
// Delivery failures are logged, not returned: the rule run already
// persisted its findings and must report them.
func (e *Engine) notifyCritical(ctx context.Context, critical []Candidate) int {
	if e.gate == nil || e.notifier == nil {
		return 0
	}

	notified := 0
	for _, c := range critical {
		allowed, err := e.gate.Allow(ctx, "risk:"+c.DedupeKey)
		if err != nil {
			logging.L(ctx).Warn("cooldown check failed", "dedupe_key", c.DedupeKey, "error", sanitize.Error(err))
			continue
		}
		if !allowed {
			metrics.NotificationsTotal.WithLabelValues("suppressed").Inc()
			continue
		}
		err = e.notifier.Send(ctx, &notify.Message{
			DedupeKey: c.DedupeKey,
			Title:     c.Title,
			Severity:  string(flags.SeverityCritical),
			RuleKey:   c.Key,
			Detail:    c.Reason,
			Timestamp: e.now(),
		})
		if err != nil {
			logging.L(ctx).Warn("critical notification failed", "dedupe_key", c.DedupeKey, "error", sanitize.Error(err))
			continue
		}
		notified++
	}
	return notified
}
