package actions

import (
	"context"
	"testing"
	"time"
)

func testClock(start time.Time) (func() time.Time, func(time.Duration)) {
	current := start
	return func() time.Time { return current },
		func(d time.Duration) { current = current.Add(d) }
}

func queuedAction(dedupeKey, rule string, priority Priority, score float64) *NextBestAction {
	return &NextBestAction{
		Title:         "Follow up",
		Reason:        "test",
		Priority:      priority,
		Score:         score,
		DedupeKey:     dedupeKey,
		CreatedByRule: rule,
		SourceType:    "lead",
	}
}

func TestMemoryStore_UpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	res, err := store.Upsert(ctx, []*NextBestAction{
		queuedAction("nba:lead:1", "lead_reply_overdue", PriorityHigh, 7),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.Created != 1 || res.Updated != 0 {
		t.Fatalf("first run: got created=%d updated=%d, want 1/0", res.Created, res.Updated)
	}

	res, err = store.Upsert(ctx, []*NextBestAction{
		queuedAction("nba:lead:1", "lead_reply_overdue", PriorityHigh, 7),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.Created != 0 || res.Updated != 1 {
		t.Fatalf("second run: got created=%d updated=%d, want 0/1", res.Created, res.Updated)
	}
}

func TestMemoryStore_UpsertBatchDuplicateLastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	res, err := store.Upsert(ctx, []*NextBestAction{
		queuedAction("nba:lead:1", "lead_reply_overdue", PriorityMedium, 4),
		queuedAction("nba:lead:1", "lead_reply_overdue", PriorityCritical, 9),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.Created != 1 || res.Updated != 1 {
		t.Fatalf("got created=%d updated=%d, want 1/1", res.Created, res.Updated)
	}

	a, err := store.GetByDedupeKey(ctx, "nba:lead:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Priority != PriorityCritical || a.Score != 9 {
		t.Fatalf("got priority=%s score=%v, want the later candidate's values", a.Priority, a.Score)
	}
}

func TestMemoryStore_RedetectionKeepsOperatorStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Upsert(ctx, []*NextBestAction{
		queuedAction("nba:prop:1", "proposal_followup_due", PriorityMedium, 5),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	a, err := store.GetByDedupeKey(ctx, "nba:prop:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	a.Status = StatusDismissed
	err = store.RecordExecution(ctx, a, &Execution{
		ActionKey: "dismiss",
		RuleKey:   a.CreatedByRule,
		Status:    ExecSuccess,
		StartedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("record execution: %v", err)
	}

	if _, err := store.Upsert(ctx, []*NextBestAction{
		queuedAction("nba:prop:1", "proposal_followup_due", PriorityHigh, 8),
	}); err != nil {
		t.Fatalf("re-run upsert: %v", err)
	}

	got, err := store.GetByDedupeKey(ctx, "nba:prop:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusDismissed {
		t.Fatalf("status = %s, want dismissed preserved across re-detection", got.Status)
	}
	if got.Priority != PriorityHigh || got.Score != 8 {
		t.Fatalf("detection fields not refreshed: priority=%s score=%v", got.Priority, got.Score)
	}
}

func TestMemoryStore_SnoozeElapsedReturnsToQueue(t *testing.T) {
	ctx := context.Background()
	now, advance := testClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	store := NewMemoryStore().WithClock(now)

	if _, err := store.Upsert(ctx, []*NextBestAction{
		queuedAction("nba:lead:1", "lead_reply_overdue", PriorityHigh, 7),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	a, err := store.GetByDedupeKey(ctx, "nba:lead:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	until := now().Add(24 * time.Hour)
	a.Status = StatusSnoozed
	a.SnoozedUntil = &until
	if err := store.RecordExecution(ctx, a, &Execution{
		ActionKey: "snooze_1d",
		RuleKey:   a.CreatedByRule,
		Status:    ExecSuccess,
		StartedAt: now(),
	}); err != nil {
		t.Fatalf("record execution: %v", err)
	}

	queued, err := store.List(ctx, ListFilter{Status: StatusQueued})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queued) != 0 {
		t.Fatalf("snoozed action still listed as queued: %d rows", len(queued))
	}

	advance(25 * time.Hour)

	queued, err = store.List(ctx, ListFilter{Status: StatusQueued})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("elapsed snooze not re-queued: %d rows", len(queued))
	}
	if queued[0].Status != StatusQueued || queued[0].SnoozedUntil != nil {
		t.Fatalf("effective status not resolved: status=%s snoozedUntil=%v", queued[0].Status, queued[0].SnoozedUntil)
	}
}

func TestMemoryStore_RecordExecutionFailureKeepsHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Upsert(ctx, []*NextBestAction{
		queuedAction("nba:lead:1", "lead_reply_overdue", PriorityHigh, 7),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	a, _ := store.GetByDedupeKey(ctx, "nba:lead:1")

	// Failed attempt: status stays queued, the failure is still recorded.
	if err := store.RecordExecution(ctx, a, &Execution{
		ActionKey:    "mark_done",
		RuleKey:      a.CreatedByRule,
		Status:       ExecFailed,
		StartedAt:    time.Now(),
		ErrorMessage: "webhook timeout",
	}); err != nil {
		t.Fatalf("record execution: %v", err)
	}

	got, _ := store.Get(ctx, a.ID)
	if got.Status != StatusQueued {
		t.Fatalf("failed execution changed status to %s", got.Status)
	}
	if got.LastExecutionStatus != string(ExecFailed) {
		t.Fatalf("lastExecutionStatus = %q, want failed", got.LastExecutionStatus)
	}

	execs, err := store.ListExecutions(ctx, a.ID, 0)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("got %d execution rows, want exactly 1", len(execs))
	}
	if execs[0].ErrorMessage != "webhook timeout" {
		t.Fatalf("error message = %q", execs[0].ErrorMessage)
	}
}

func TestMemoryStore_QueuedActionCounts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Upsert(ctx, []*NextBestAction{
		queuedAction("a", "r1", PriorityCritical, 9),
		queuedAction("b", "r1", PriorityHigh, 7),
		queuedAction("c", "r2", PriorityHigh, 6),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	done, _ := store.GetByDedupeKey(ctx, "c")
	done.Status = StatusDone
	if err := store.RecordExecution(ctx, done, &Execution{
		ActionKey: "mark_done", Status: ExecSuccess, StartedAt: time.Now(),
	}); err != nil {
		t.Fatalf("record execution: %v", err)
	}

	counts, err := store.QueuedActionCounts(ctx, "", "")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.QueuedCount != 2 {
		t.Fatalf("queued = %d, want 2", counts.QueuedCount)
	}
	if counts.ByPriority["critical"] != 1 || counts.ByPriority["high"] != 1 {
		t.Fatalf("unexpected priority breakdown: %v", counts.ByPriority)
	}
}

func TestMemoryStore_RuleActivityWindow(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now, advance := testClock(base)
	store := NewMemoryStore().WithClock(now)

	if _, err := store.Upsert(ctx, []*NextBestAction{
		queuedAction("a", "lead_reply_overdue", PriorityHigh, 7),
		queuedAction("b", "lead_reply_overdue", PriorityHigh, 6),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	a, _ := store.GetByDedupeKey(ctx, "a")
	a.Status = StatusDone
	if err := store.RecordExecution(ctx, a, &Execution{
		ActionKey: "mark_done", RuleKey: "lead_reply_overdue", Status: ExecSuccess, StartedAt: now(),
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	b, _ := store.GetByDedupeKey(ctx, "b")
	b.Status = StatusDismissed
	if err := store.RecordExecution(ctx, b, &Execution{
		ActionKey: "dismiss", RuleKey: "lead_reply_overdue", Status: ExecSuccess, StartedAt: now(),
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	advance(48 * time.Hour)

	activity, err := store.RuleActivity(ctx, base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	got := activity["lead_reply_overdue"]
	if got == nil {
		t.Fatal("no activity bucket for rule")
	}
	if got.Triggered != 2 || got.ExecutedOK != 1 || got.Dismissed != 1 {
		t.Fatalf("activity = %+v, want triggered=2 executedOk=1 dismissed=1", got)
	}

	// Executions before the window do not count.
	later, err := store.RuleActivity(ctx, base.Add(24*time.Hour), base.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if len(later) != 0 {
		t.Fatalf("stale window not empty: %+v", later)
	}
}

func TestTopN_Ordering(t *testing.T) {
	mk := func(dedupe string, p Priority, score float64, created time.Time, rule string) *NextBestAction {
		a := queuedAction(dedupe, rule, p, score)
		a.CreatedAt = created
		return a
	}
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	items := []*NextBestAction{
		mk("low-new", PriorityLow, 9, base.Add(time.Hour), "r1"),
		mk("crit", PriorityCritical, 1, base, "r1"),
		mk("high-a", PriorityHigh, 5, base, "r2"),
		mk("high-b", PriorityHigh, 5, base.Add(time.Minute), "r2"),
	}

	ranked := TopN(items, 0, nil)
	want := []string{"crit", "high-b", "high-a", "low-new"}
	for i, dedupe := range want {
		if ranked[i].DedupeKey != dedupe {
			t.Fatalf("position %d = %s, want %s", i, ranked[i].DedupeKey, dedupe)
		}
	}

	top2 := TopN(items, 2, nil)
	if len(top2) != 2 || top2[0].DedupeKey != "crit" {
		t.Fatalf("topN limit broken: %d items, first=%s", len(top2), top2[0].DedupeKey)
	}
}

func TestTopN_BoostReordersWithinTierOnly(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mk := func(dedupe, rule string, p Priority, score float64) *NextBestAction {
		a := queuedAction(dedupe, rule, p, score)
		a.CreatedAt = base
		return a
	}
	items := []*NextBestAction{
		mk("high-noisy", "noisy_rule", PriorityHigh, 8),
		mk("high-good", "effective_rule", PriorityHigh, 5),
		mk("crit", "noisy_rule", PriorityCritical, 0),
	}

	boost := func(rule string) float64 {
		switch rule {
		case "effective_rule":
			return 6
		case "noisy_rule":
			return -6
		}
		return 0
	}

	ranked := TopN(items, 0, boost)
	if ranked[0].DedupeKey != "crit" {
		t.Fatalf("boost inverted tier ordering: first=%s", ranked[0].DedupeKey)
	}
	if ranked[1].DedupeKey != "high-good" {
		t.Fatalf("boost did not reorder within tier: second=%s", ranked[1].DedupeKey)
	}
}
