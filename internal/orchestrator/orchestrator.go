// Package orchestrator runs operator actions in preview or execute mode.
//
// Preview is side-effect free and repeatable. Execute performs the status
// transition, records exactly one execution row per attempt, and captures
// before/after snapshots for attribution. Validation happens before any
// mutation; a failed execution never advances the action's status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opsdeck/opsdeck/internal/actions"
	"github.com/opsdeck/opsdeck/internal/attribution"
	"github.com/opsdeck/opsdeck/internal/logging"
	"github.com/opsdeck/opsdeck/internal/metrics"
	"github.com/opsdeck/opsdeck/internal/rules"
	"github.com/opsdeck/opsdeck/internal/sanitize"
	"github.com/opsdeck/opsdeck/internal/snapshot"
	"github.com/opsdeck/opsdeck/internal/traces"
)

// Validation errors. All reject the request before any mutation.
var (
	ErrUnknownAction = errors.New("orchestrator: unknown action key")
	ErrUnknownMode   = errors.New("orchestrator: mode must be preview or execute")
	ErrMissingTarget = errors.New("orchestrator: action requires nextActionId")
	ErrTerminal      = errors.New("orchestrator: action already in a terminal status")
)

// Mode selects preview or execute behavior.
type Mode string

const (
	ModePreview Mode = "preview"
	ModeExecute Mode = "execute"
)

// Request describes one orchestrator invocation.
type Request struct {
	ActionKey    string `json:"actionKey"`
	Mode         Mode   `json:"mode"`
	NextActionID string `json:"nextActionId,omitempty"`
	EntityType   string `json:"entityType,omitempty"`
	EntityID     string `json:"entityId,omitempty"`
	ActorUserID  string `json:"-"`
}

// Result is the orchestrator's response envelope. A failed execution is a
// normal outcome: OK is false and Errors carries the first sanitized
// message, but the call itself succeeded.
type Result struct {
	OK        bool                      `json:"ok"`
	Preview   string                    `json:"preview,omitempty"`
	Before    *snapshot.ContextSnapshot `json:"before,omitempty"`
	After     *snapshot.ContextSnapshot `json:"after,omitempty"`
	Execution *actions.Execution        `json:"execution,omitempty"`
	RuleRun   *rules.RunResult          `json:"ruleRun,omitempty"`
	Errors    []string                  `json:"errors,omitempty"`
}

// transition is the computed outcome of applying an action to an NBA.
type transition struct {
	status       actions.Status
	snoozedUntil *time.Time
}

// actionDef is one registry entry.
type actionDef struct {
	key       string
	needsNBA  bool
	attribute bool
	describe  func(nba *actions.NextBestAction) string
	apply     func(o *Orchestrator, nba *actions.NextBestAction) (*transition, error)
}

// Triggers re-invokes the upstream evaluators for the rule-invocation
// action keys. Implementations live in server wiring.
type Triggers interface {
	RunRiskRules(ctx context.Context) (*rules.RunResult, error)
	RunNextActions(ctx context.Context) (*rules.RunResult, error)
	RecomputeScore(ctx context.Context, entityType, entityID string) error
}

// Orchestrator executes operator actions against the action store.
type Orchestrator struct {
	store    actions.Store
	provider snapshot.Provider
	recorder *attribution.Recorder
	triggers Triggers
	registry map[string]*actionDef
	now      func() time.Time
}

// New wires an orchestrator. provider and recorder may be nil to disable
// attribution capture; triggers may be nil when rule-invocation actions are
// not exposed.
func New(store actions.Store, provider snapshot.Provider, recorder *attribution.Recorder, triggers Triggers) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		provider: provider,
		recorder: recorder,
		triggers: triggers,
		registry: make(map[string]*actionDef),
		now:      time.Now,
	}
	o.registerBuiltins()
	return o
}

// WithClock overrides the orchestrator's clock. Test hook.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Keys returns the registered action keys.
func (o *Orchestrator) Keys() []string {
	out := make([]string, 0, len(o.registry))
	for k := range o.registry {
		out = append(out, k)
	}
	return out
}

// Run executes one request. Validation and not-found errors return a nil
// Result with an error; execution failures return a Result with OK false.
func (o *Orchestrator) Run(ctx context.Context, req *Request) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "orchestrator.Run",
		traces.ActionKey(req.ActionKey), traces.Mode(string(req.Mode)))
	defer span.End()

	if req.Mode != ModePreview && req.Mode != ModeExecute {
		return nil, ErrUnknownMode
	}
	def := o.lookup(req.ActionKey)
	if def == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.ActionKey)
	}

	var nba *actions.NextBestAction
	if def.needsNBA {
		if req.NextActionID == "" {
			return nil, ErrMissingTarget
		}
		var err error
		nba, err = o.store.Get(ctx, req.NextActionID)
		if err != nil {
			return nil, err
		}
		if actions.Terminal(nba.Status) {
			return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, nba.ID, nba.Status)
		}
	}

	if req.Mode == ModePreview {
		return o.preview(ctx, def, nba)
	}
	return o.execute(ctx, req, def, nba)
}

// preview never mutates; any failure here is a validation concern, so the
// result itself is always OK.
func (o *Orchestrator) preview(ctx context.Context, def *actionDef, nba *actions.NextBestAction) (*Result, error) {
	res := &Result{OK: true, Preview: def.describe(nba)}
	if def.attribute && o.provider != nil {
		before, err := o.provider.Capture(ctx, nba.EntityType, nba.EntityID)
		if err != nil {
			logging.L(ctx).Warn("preview snapshot failed", "error", sanitize.Error(err))
		} else {
			res.Before = before
		}
	}
	metrics.PreviewsTotal.WithLabelValues(def.key).Inc()
	return res, nil
}

func (o *Orchestrator) execute(ctx context.Context, req *Request, def *actionDef, nba *actions.NextBestAction) (*Result, error) {
	// Rule-invocation actions have no target NBA and no execution row.
	if !def.needsNBA {
		return o.executeTrigger(ctx, req, def)
	}

	var before *snapshot.ContextSnapshot
	if def.attribute && o.provider != nil {
		snap, err := o.provider.Capture(ctx, nba.EntityType, nba.EntityID)
		if err != nil {
			logging.L(ctx).Warn("before snapshot failed", "error", sanitize.Error(err))
		} else {
			before = snap
		}
	}

	startedAt := o.now()
	next, applyErr := def.apply(o, nba)

	exec := &actions.Execution{
		NextActionID: nba.ID,
		ActionKey:    def.key,
		RuleKey:      nba.CreatedByRule,
		StartedAt:    startedAt,
	}
	updated := *nba
	if applyErr != nil {
		// Status stays exactly as loaded; only the failure is recorded.
		exec.Status = actions.ExecFailed
		exec.ErrorMessage = sanitize.Truncate(sanitize.Error(applyErr), 500)
	} else {
		exec.Status = actions.ExecSuccess
		updated.Status = next.status
		updated.SnoozedUntil = next.snoozedUntil
	}

	if err := o.store.RecordExecution(ctx, &updated, exec); err != nil {
		return nil, fmt.Errorf("record execution: %w", err)
	}
	metrics.ExecutionsTotal.WithLabelValues(def.key, string(exec.Status)).Inc()

	res := &Result{OK: applyErr == nil, Before: before, Execution: exec}
	if applyErr != nil {
		res.Errors = []string{exec.ErrorMessage}
		return res, nil
	}

	if def.attribute && o.provider != nil && before != nil {
		after, err := o.provider.Capture(ctx, nba.EntityType, nba.EntityID)
		if err != nil {
			logging.L(ctx).Warn("after snapshot failed", "error", sanitize.Error(err))
		} else {
			res.After = after
			o.recordAttribution(ctx, req, nba, def.key, before, after)
		}
	}
	return res, nil
}

func (o *Orchestrator) executeTrigger(ctx context.Context, req *Request, def *actionDef) (*Result, error) {
	run, err := o.runTrigger(ctx, req, def)
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues(def.key, string(actions.ExecFailed)).Inc()
		return &Result{OK: false, Errors: []string{sanitize.Error(err)}}, nil
	}
	metrics.ExecutionsTotal.WithLabelValues(def.key, string(actions.ExecSuccess)).Inc()
	return &Result{OK: true, RuleRun: run}, nil
}

func (o *Orchestrator) runTrigger(ctx context.Context, req *Request, def *actionDef) (*rules.RunResult, error) {
	if o.triggers == nil {
		return nil, fmt.Errorf("action %q is not wired", def.key)
	}
	switch def.key {
	case ActionRunRiskRules:
		return o.triggers.RunRiskRules(ctx)
	case ActionRunNextActions:
		return o.triggers.RunNextActions(ctx)
	case ActionRecomputeScore:
		return nil, o.triggers.RecomputeScore(ctx, req.EntityType, req.EntityID)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, def.key)
}

// recordAttribution is fire-and-forget: it runs detached from the response
// and swallows its own errors via the recorder.
func (o *Orchestrator) recordAttribution(ctx context.Context, req *Request, nba *actions.NextBestAction, actionKey string, before, after *snapshot.ContextSnapshot) {
	if o.recorder == nil {
		return
	}
	a := &attribution.Attribution{
		ActorUserID: req.ActorUserID,
		SourceType:  attribution.SourceNBAExecute,
		RuleKey:     nba.CreatedByRule,
		ActionKey:   actionKey,
		EntityType:  nba.EntityType,
		EntityID:    nba.EntityID,
		Before:      before,
		After:       after,
		OccurredAt:  o.now(),
	}
	go func(ctx context.Context) {
		o.recorder.Record(ctx, a)
	}(context.WithoutCancel(ctx))
}

func (o *Orchestrator) lookup(key string) *actionDef {
	if def, ok := o.registry[key]; ok {
		return def
	}
	// snooze_Nd keys are parameterized; resolve them on demand so the
	// registry stays a fixed table.
	if days, ok := parseSnoozeKey(key); ok {
		return snoozeDef(key, days)
	}
	return nil
}

func (o *Orchestrator) register(def *actionDef) {
	o.registry[def.key] = def
}
