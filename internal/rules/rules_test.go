package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opsdeck/opsdeck/internal/actions"
	"github.com/opsdeck/opsdeck/internal/flags"
	"github.com/opsdeck/opsdeck/internal/notify"
	"github.com/opsdeck/opsdeck/internal/snapshot"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []*notify.Message
}

func (f *fakeNotifier) Send(ctx context.Context, msg *notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func ptrTime(t time.Time) *time.Time { return &t }
func ptrFloat(f float64) *float64    { return &f }

func criticalClientInput(now time.Time) *Input {
	return &Input{
		Now: now,
		Clients: []ClientState{{
			ID:    "client-42",
			Name:  "Acme",
			Score: ptrFloat(18),
			Band:  snapshot.BandCritical,
		}},
	}
}

func newTestEngine(clock func() time.Time) (*Engine, *flags.MemoryStore, *actions.MemoryStore, *fakeNotifier) {
	flagStore := flags.NewMemoryStore().WithClock(clock)
	actionStore := actions.NewMemoryStore().WithClock(clock)
	notifier := &fakeNotifier{}
	gate := notify.NewGate(notify.NewMemoryStore(), 6*time.Hour).WithClock(clock)
	engine := NewEngine(DefaultRegistry(), flagStore, actionStore, gate, notifier).WithClock(clock)
	return engine, flagStore, actionStore, notifier
}

func TestEngine_RunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	engine, _, _, _ := newTestEngine(clock)

	in := criticalClientInput(now)

	first, err := engine.Run(ctx, in)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Created == 0 {
		t.Fatal("first run created nothing")
	}

	second, err := engine.Run(ctx, in)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Created != 0 {
		t.Fatalf("second run created %d records from unchanged input", second.Created)
	}
	if second.Updated < first.Created {
		t.Fatalf("second run updated %d, want at least %d", second.Updated, first.Created)
	}
}

func TestEngine_CriticalBandScenario(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	engine, flagStore, _, notifier := newTestEngine(clock)

	in := criticalClientInput(now)

	first, err := engine.Run(ctx, in)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.CriticalNotified != 1 {
		t.Fatalf("first run notified %d, want 1", first.CriticalNotified)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("notifier received %d messages, want 1", len(notifier.sent))
	}
	if notifier.sent[0].RuleKey != RuleScoreInCriticalBand {
		t.Fatalf("notification rule key = %q", notifier.sent[0].RuleKey)
	}

	flag, err := flagStore.GetByDedupeKey(ctx, "flag:score_in_critical_band:client:client-42")
	if err != nil {
		t.Fatalf("flag not created: %v", err)
	}
	if flag.Severity != flags.SeverityCritical || flag.Status != flags.StatusOpen {
		t.Fatalf("flag = severity %s status %s", flag.Severity, flag.Status)
	}

	// Same band one hour later: flag updates, cooldown suppresses the page.
	now = now.Add(time.Hour)
	second, err := engine.Run(ctx, in)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Created != 0 {
		t.Fatalf("second run created %d", second.Created)
	}
	if second.CriticalNotified != 0 {
		t.Fatal("cooldown did not suppress the repeat notification")
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("notifier received %d messages after repeat run", len(notifier.sent))
	}

	// After the 6h window the page goes out again.
	now = now.Add(7 * time.Hour)
	third, err := engine.Run(ctx, in)
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if third.CriticalNotified != 1 {
		t.Fatal("post-cooldown notification suppressed")
	}
}

func TestEngine_DismissedFlagSurvivesRedetection(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	engine, flagStore, _, _ := newTestEngine(clock)

	in := criticalClientInput(now)
	if _, err := engine.Run(ctx, in); err != nil {
		t.Fatalf("run: %v", err)
	}

	flag, err := flagStore.GetByDedupeKey(ctx, "flag:score_in_critical_band:client:client-42")
	if err != nil {
		t.Fatalf("get flag: %v", err)
	}
	if err := flagStore.UpdateStatus(ctx, flag.ID, flags.StatusDismissed); err != nil {
		t.Fatalf("dismiss: %v", err)
	}

	now = now.Add(time.Hour)
	if _, err := engine.Run(ctx, in); err != nil {
		t.Fatalf("re-run: %v", err)
	}

	got, err := flagStore.GetByDedupeKey(ctx, "flag:score_in_critical_band:client:client-42")
	if err != nil {
		t.Fatalf("get flag: %v", err)
	}
	if got.Status != flags.StatusDismissed {
		t.Fatalf("re-detection reopened a dismissed flag: status=%s", got.Status)
	}
}

func TestRuleEvaluationIsPure(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	in := &Input{
		Now: now,
		Clients: []ClientState{{
			ID: "c1", Name: "Acme", Band: snapshot.BandCritical,
			LastTouchpointAt: ptrTime(now.Add(-50 * 24 * time.Hour)),
		}},
		Leads: []LeadState{{
			ID: "l1", Name: "New lead", LastInboundAt: ptrTime(now.Add(-72 * time.Hour)),
		}},
	}

	registry := DefaultRegistry()
	first := registry.EvaluateAll(in)
	second := registry.EvaluateAll(in)
	if len(first) == 0 {
		t.Fatal("no candidates emitted")
	}
	if len(first) != len(second) {
		t.Fatalf("evaluation not deterministic: %d vs %d candidates", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("candidate %d differs between evaluations:\n%+v\n%+v", i, first[i], second[i])
		}
	}
}

func TestLeadReplyOverdue(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		name         string
		lead         LeadState
		want         int
		wantPriority actions.Priority
	}{
		{
			name: "fresh inbound not flagged",
			lead: LeadState{ID: "l1", LastInboundAt: ptrTime(now.Add(-12 * time.Hour))},
			want: 0,
		},
		{
			name:         "48h overdue is high",
			lead:         LeadState{ID: "l1", LastInboundAt: ptrTime(now.Add(-50 * time.Hour))},
			want:         1,
			wantPriority: actions.PriorityHigh,
		},
		{
			name:         "double window escalates to critical",
			lead:         LeadState{ID: "l1", LastInboundAt: ptrTime(now.Add(-100 * time.Hour))},
			want:         1,
			wantPriority: actions.PriorityCritical,
		},
		{
			name: "reply after inbound clears condition",
			lead: LeadState{
				ID:            "l1",
				LastInboundAt: ptrTime(now.Add(-100 * time.Hour)),
				LastReplyAt:   ptrTime(now.Add(-1 * time.Hour)),
			},
			want: 0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := evalLeadReplyOverdue(&Input{Now: now, Leads: []LeadState{tc.lead}})
			if len(got) != tc.want {
				t.Fatalf("got %d candidates, want %d", len(got), tc.want)
			}
			if tc.want == 1 && got[0].Priority != tc.wantPriority {
				t.Fatalf("priority = %s, want %s", got[0].Priority, tc.wantPriority)
			}
		})
	}
}

func TestScoreBandRegression(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	eval := func(band, prev snapshot.Band) []Candidate {
		return evalScoreBandRegression(&Input{
			Now:     now,
			Clients: []ClientState{{ID: "c1", Name: "Acme", Band: band, PreviousBand: prev}},
		})
	}

	if got := eval(snapshot.BandWarning, snapshot.BandHealthy); len(got) != 1 {
		t.Fatalf("regression not detected: %d candidates", len(got))
	}
	if got := eval(snapshot.BandHealthy, snapshot.BandWarning); len(got) != 0 {
		t.Fatal("improvement flagged as regression")
	}
	if got := eval(snapshot.BandWarning, snapshot.Band("")); len(got) != 0 {
		t.Fatal("unknown previous band flagged as regression")
	}
	got := eval(snapshot.BandCritical, snapshot.BandWatch)
	if len(got) != 1 || got[0].Severity != flags.SeverityHigh {
		t.Fatalf("drop into critical should be high severity: %+v", got)
	}
}

func TestDeliveryBlockedEscalates(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	fresh := evalDeliveryBlocked(&Input{Now: now, Deliveries: []DeliveryState{{
		ID: "d1", ClientName: "Acme", BlockedSince: ptrTime(now.Add(-4 * time.Hour)),
	}}})
	if len(fresh) != 1 || fresh[0].Severity != flags.SeverityHigh {
		t.Fatalf("fresh block: %+v", fresh)
	}

	stale := evalDeliveryBlocked(&Input{Now: now, Deliveries: []DeliveryState{{
		ID: "d1", ClientName: "Acme", BlockedSince: ptrTime(now.Add(-4 * 24 * time.Hour)),
	}}})
	if len(stale) != 1 || stale[0].Severity != flags.SeverityCritical {
		t.Fatalf("3d+ block should be critical: %+v", stale)
	}
}
