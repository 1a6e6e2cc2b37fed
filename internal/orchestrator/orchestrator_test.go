package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opsdeck/opsdeck/internal/actions"
	"github.com/opsdeck/opsdeck/internal/attribution"
	"github.com/opsdeck/opsdeck/internal/rules"
	"github.com/opsdeck/opsdeck/internal/snapshot"
)

type staticProvider struct {
	snaps []*snapshot.ContextSnapshot
	calls int
}

func (p *staticProvider) Capture(ctx context.Context, entityType, entityID string) (*snapshot.ContextSnapshot, error) {
	i := p.calls
	if i >= len(p.snaps) {
		i = len(p.snaps) - 1
	}
	p.calls++
	return p.snaps[i], nil
}

func snap(open, critical int) *snapshot.ContextSnapshot {
	return &snapshot.ContextSnapshot{
		Risk: &snapshot.RiskContext{OpenCount: open, CriticalCount: critical},
	}
}

func seedAction(t *testing.T, store *actions.MemoryStore) *actions.NextBestAction {
	t.Helper()
	_, err := store.Upsert(context.Background(), []*actions.NextBestAction{{
		Title:         "Reply to lead",
		Reason:        "inbound waiting",
		Priority:      actions.PriorityHigh,
		Score:         75,
		DedupeKey:     "nba:lead:1",
		CreatedByRule: "lead_reply_overdue",
		SourceType:    "lead",
		EntityType:    "lead",
		EntityID:      "lead-1",
	}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	nba, err := store.GetByDedupeKey(context.Background(), "nba:lead:1")
	if err != nil {
		t.Fatalf("seed lookup: %v", err)
	}
	return nba
}

func waitForAttributions(t *testing.T, store *attribution.MemoryStore, want int) []*attribution.Attribution {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.ListWindow(context.Background(), "", time.Time{}, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("list attributions: %v", err)
		}
		if len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("attribution count never reached %d", want)
	return nil
}

func TestRun_RejectsUnknownActionKey(t *testing.T) {
	o := New(actions.NewMemoryStore(), nil, nil, nil)
	_, err := o.Run(context.Background(), &Request{ActionKey: "explode", Mode: ModeExecute})
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("got %v, want ErrUnknownAction", err)
	}
}

func TestRun_RejectsMissingTarget(t *testing.T) {
	o := New(actions.NewMemoryStore(), nil, nil, nil)
	_, err := o.Run(context.Background(), &Request{ActionKey: ActionMarkDone, Mode: ModeExecute})
	if !errors.Is(err, ErrMissingTarget) {
		t.Fatalf("got %v, want ErrMissingTarget", err)
	}
}

func TestRun_RejectsUnknownTarget(t *testing.T) {
	o := New(actions.NewMemoryStore(), nil, nil, nil)
	_, err := o.Run(context.Background(), &Request{
		ActionKey: ActionMarkDone, Mode: ModeExecute, NextActionID: "nba_missing",
	})
	if !errors.Is(err, actions.ErrNotFound) {
		t.Fatalf("got %v, want actions.ErrNotFound", err)
	}
}

func TestRun_PreviewNeverMutates(t *testing.T) {
	ctx := context.Background()
	store := actions.NewMemoryStore()
	nba := seedAction(t, store)
	o := New(store, &staticProvider{snaps: []*snapshot.ContextSnapshot{snap(3, 1)}}, nil, nil)

	for i := 0; i < 3; i++ {
		res, err := o.Run(ctx, &Request{
			ActionKey: ActionMarkDone, Mode: ModePreview, NextActionID: nba.ID,
		})
		if err != nil {
			t.Fatalf("preview %d: %v", i, err)
		}
		if !res.OK {
			t.Fatal("preview must never report ok=false")
		}
		if res.Preview == "" {
			t.Fatal("preview produced no summary")
		}
		if res.Before == nil || res.Before.Risk.OpenCount != 3 {
			t.Fatalf("preview before-state missing: %+v", res.Before)
		}
	}

	got, _ := store.Get(ctx, nba.ID)
	if got.Status != actions.StatusQueued {
		t.Fatalf("preview mutated status to %s", got.Status)
	}
	execs, _ := store.ListExecutions(ctx, nba.ID, 0)
	if len(execs) != 0 {
		t.Fatalf("preview recorded %d execution rows", len(execs))
	}
}

func TestRun_MarkDoneScenario(t *testing.T) {
	ctx := context.Background()
	store := actions.NewMemoryStore()
	attrStore := attribution.NewMemoryStore()
	nba := seedAction(t, store)

	provider := &staticProvider{snaps: []*snapshot.ContextSnapshot{snap(3, 1), snap(2, 0)}}
	o := New(store, provider, attribution.NewRecorder(attrStore), nil)

	res, err := o.Run(ctx, &Request{
		ActionKey:    ActionMarkDone,
		Mode:         ModeExecute,
		NextActionID: nba.ID,
		ActorUserID:  "user-1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.OK {
		t.Fatalf("execute failed: %v", res.Errors)
	}
	if res.Execution == nil || res.Execution.Status != actions.ExecSuccess {
		t.Fatalf("execution = %+v", res.Execution)
	}

	got, _ := store.Get(ctx, nba.ID)
	if got.Status != actions.StatusDone {
		t.Fatalf("status = %s, want done", got.Status)
	}
	if got.LastExecutionStatus != string(actions.ExecSuccess) {
		t.Fatalf("lastExecutionStatus = %q", got.LastExecutionStatus)
	}

	attrs := waitForAttributions(t, attrStore, 1)
	a := attrs[0]
	if a.RuleKey != "lead_reply_overdue" || a.ActionKey != ActionMarkDone {
		t.Fatalf("attribution tagged %s/%s", a.RuleKey, a.ActionKey)
	}
	if a.Delta.RiskOpenDelta != -1 || a.Delta.RiskCriticalDelta != -1 {
		t.Fatalf("delta = %+v", a.Delta)
	}
}

func TestRun_FailedExecuteKeepsStatusAndRecordsOneRow(t *testing.T) {
	ctx := context.Background()
	store := actions.NewMemoryStore()
	nba := seedAction(t, store)
	o := New(store, nil, nil, nil)
	o.register(&actionDef{
		key:      "send_invoice",
		needsNBA: true,
		describe: func(*actions.NextBestAction) string { return "Would send the invoice" },
		apply: func(*Orchestrator, *actions.NextBestAction) (*transition, error) {
			return nil, errors.New("billing API rejected request: token=sk_live_4242424242 expired")
		},
	})

	res, err := o.Run(ctx, &Request{
		ActionKey: "send_invoice", Mode: ModeExecute, NextActionID: nba.ID,
	})
	if err != nil {
		t.Fatalf("execute returned transport error: %v", err)
	}
	if res.OK {
		t.Fatal("failed execution reported ok=true")
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %v", res.Errors)
	}

	got, _ := store.Get(ctx, nba.ID)
	if got.Status != actions.StatusQueued {
		t.Fatalf("failed execute advanced status to %s", got.Status)
	}
	execs, _ := store.ListExecutions(ctx, nba.ID, 0)
	if len(execs) != 1 {
		t.Fatalf("got %d execution rows, want exactly 1", len(execs))
	}
	if execs[0].Status != actions.ExecFailed {
		t.Fatalf("execution status = %s", execs[0].Status)
	}
	msg := execs[0].ErrorMessage
	if msg == "" {
		t.Fatal("failed execution recorded no error message")
	}
	if strings.Contains(msg, "sk_live_4242424242") {
		t.Fatalf("recorded error message leaks credentials: %q", msg)
	}
}

func TestRun_SnoozeSetsSnoozedUntil(t *testing.T) {
	ctx := context.Background()
	store := actions.NewMemoryStore()
	nba := seedAction(t, store)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { return now })
	o := New(store, nil, nil, nil).WithClock(func() time.Time { return now })

	res, err := o.Run(ctx, &Request{
		ActionKey: ActionSnooze1d, Mode: ModeExecute, NextActionID: nba.ID,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.OK {
		t.Fatalf("snooze failed: %v", res.Errors)
	}

	got, _ := store.Get(ctx, nba.ID)
	if got.Status != actions.StatusSnoozed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.SnoozedUntil == nil {
		t.Fatal("snoozedUntil not set")
	}
	if got.SnoozedUntil.Sub(now) <= 23*time.Hour {
		t.Fatalf("snooze_1d set snoozedUntil only %v ahead", got.SnoozedUntil.Sub(now))
	}
}

func TestRun_ParameterizedSnoozeKeys(t *testing.T) {
	cases := []struct {
		key      string
		wantDays int
		wantOK   bool
	}{
		{"snooze_1d", 1, true},
		{"snooze_3d", 3, true},
		{"snooze_7d", 7, true},
		{"snooze_14d", 14, true},
		{"snooze_30d", 30, true},
		{"snooze_0d", 0, false},
		{"snooze_31d", 0, false},
		{"snooze_d", 0, false},
		{"snooze_xd", 0, false},
		{"snooze_7", 0, false},
	}
	for _, tc := range cases {
		days, ok := parseSnoozeKey(tc.key)
		if ok != tc.wantOK || days != tc.wantDays {
			t.Errorf("parseSnoozeKey(%q) = %d, %v; want %d, %v", tc.key, days, ok, tc.wantDays, tc.wantOK)
		}
	}
}

func TestRun_TerminalActionRejected(t *testing.T) {
	ctx := context.Background()
	store := actions.NewMemoryStore()
	nba := seedAction(t, store)
	o := New(store, nil, nil, nil)

	if _, err := o.Run(ctx, &Request{ActionKey: ActionMarkDone, Mode: ModeExecute, NextActionID: nba.ID}); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	_, err := o.Run(ctx, &Request{ActionKey: ActionDismiss, Mode: ModeExecute, NextActionID: nba.ID})
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("got %v, want ErrTerminal", err)
	}
}

type fakeTriggers struct {
	riskRuns int
	nbaRuns  int
}

func (f *fakeTriggers) RunRiskRules(ctx context.Context) (*rules.RunResult, error) {
	f.riskRuns++
	return &rules.RunResult{Created: 2, LastRunAt: time.Now()}, nil
}
func (f *fakeTriggers) RunNextActions(ctx context.Context) (*rules.RunResult, error) {
	f.nbaRuns++
	return &rules.RunResult{Updated: 1, LastRunAt: time.Now()}, nil
}
func (f *fakeTriggers) RecomputeScore(ctx context.Context, entityType, entityID string) error {
	return nil
}

func TestRun_TriggerActions(t *testing.T) {
	ctx := context.Background()
	triggers := &fakeTriggers{}
	o := New(actions.NewMemoryStore(), nil, nil, triggers)

	res, err := o.Run(ctx, &Request{ActionKey: ActionRunRiskRules, Mode: ModeExecute})
	if err != nil {
		t.Fatalf("run_risk_rules: %v", err)
	}
	if !res.OK || res.RuleRun == nil || res.RuleRun.Created != 2 {
		t.Fatalf("result = %+v", res)
	}
	if triggers.riskRuns != 1 {
		t.Fatalf("riskRuns = %d", triggers.riskRuns)
	}

	if _, err := o.Run(ctx, &Request{ActionKey: ActionRunNextActions, Mode: ModeExecute}); err != nil {
		t.Fatalf("run_next_actions: %v", err)
	}
	if triggers.nbaRuns != 1 {
		t.Fatalf("nbaRuns = %d", triggers.nbaRuns)
	}
}
