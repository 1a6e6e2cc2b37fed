package attribution

import (
	"context"
	"time"

	"github.com/opsdeck/opsdeck/internal/idgen"
	"github.com/opsdeck/opsdeck/internal/logging"
	"github.com/opsdeck/opsdeck/internal/metrics"
	"github.com/opsdeck/opsdeck/internal/sanitize"
)

// Recorder writes attributions off the response path. Record never returns
// an error: a telemetry failure must not fail the action that produced it.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder creates a recorder over store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// WithClock overrides the recorder's clock. Test hook.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record computes the delta and persists the attribution. Failures are
// logged and counted, then swallowed.
func (r *Recorder) Record(ctx context.Context, a *Attribution) {
	if r == nil || r.store == nil || a == nil {
		return
	}
	if a.Before == nil || a.After == nil {
		metrics.AttributionFailures.Inc()
		logging.L(ctx).Warn("attribution dropped: missing snapshot",
			"rule_key", a.RuleKey, "action_key", a.ActionKey)
		return
	}
	if a.ID == "" {
		a.ID = idgen.WithPrefix("attr_")
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = r.now()
	}
	a.Delta = ComputeDelta(a.Before, a.After)

	if err := r.store.Create(ctx, a); err != nil {
		metrics.AttributionFailures.Inc()
		logging.L(ctx).Warn("attribution record failed",
			"rule_key", a.RuleKey, "action_key", a.ActionKey, "error", sanitize.Error(err))
		return
	}
	metrics.AttributionsRecorded.WithLabelValues(a.SourceType).Inc()
}
