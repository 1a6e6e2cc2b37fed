package actions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opsdeck/opsdeck/internal/idgen"
)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*NextBestAction
	byDedupe map[string]*NextBestAction
	execs    map[string][]*Execution // keyed by next action ID
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*NextBestAction),
		byDedupe: make(map[string]*NextBestAction),
		execs:    make(map[string][]*Execution),
		now:      time.Now,
	}
}

// WithClock overrides the store's clock. Test hook.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Upsert(ctx context.Context, candidates []*NextBestAction) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res UpsertResult
	now := s.now()

	// Input order is the resolution order: equal dedupe keys within one
	// batch deterministically resolve last-write-wins, and each hit on an
	// existing row counts as an update.
	for _, c := range candidates {
		existing, ok := s.byDedupe[c.DedupeKey]
		if ok {
			// Refresh detection fields. Status, snooze, and execution
			// history are operator-owned; re-detection never touches them.
			existing.Title = c.Title
			existing.Reason = c.Reason
			existing.Priority = c.Priority
			existing.Score = c.Score
			existing.SourceType = c.SourceType
			existing.LastSeenAt = now
			existing.UpdatedAt = now
			res.Updated++
			continue
		}

		created := cloneAction(c)
		if created.ID == "" {
			created.ID = idgen.WithPrefix("nba_")
		}
		created.Status = StatusQueued
		created.CreatedAt = now
		created.UpdatedAt = now
		created.LastSeenAt = now
		s.byID[created.ID] = created
		s.byDedupe[created.DedupeKey] = created
		res.Created++
	}
	return res, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*NextBestAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAction(s.effective(a)), nil
}

func (s *MemoryStore) GetByDedupeKey(ctx context.Context, dedupeKey string) (*NextBestAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byDedupe[dedupeKey]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAction(s.effective(a)), nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*NextBestAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*NextBestAction
	for _, a := range s.byID {
		eff := s.effective(a)
		if filter.Status != "" && eff.Status != filter.Status {
			continue
		}
		if filter.EntityType != "" && eff.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && eff.EntityID != filter.EntityID {
			continue
		}
		out = append(out, cloneAction(eff))
	}

	sort.Slice(out, func(i, j int) bool {
		ri, rj := PriorityRank(out[i].Priority), PriorityRank(out[j].Priority)
		if ri != rj {
			return ri > rj
		}
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) RecordExecution(ctx context.Context, nba *NextBestAction, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[nba.ID]
	if !ok {
		return ErrNotFound
	}
	if !ValidStatus(nba.Status) {
		return ErrInvalidStatus
	}

	e := cloneExecution(exec)
	if e.ID == "" {
		e.ID = idgen.WithPrefix("exec_")
	}
	e.NextActionID = stored.ID
	s.execs[stored.ID] = append(s.execs[stored.ID], e)

	stored.Status = nba.Status
	stored.SnoozedUntil = copyTime(nba.SnoozedUntil)
	stored.LastExecutedAt = copyTime(&e.StartedAt)
	stored.LastExecutionStatus = string(e.Status)
	stored.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, nextActionID string, limit int) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recorded := s.execs[nextActionID]
	out := make([]*Execution, 0, len(recorded))
	for _, e := range recorded {
		out = append(out, cloneExecution(e))
	}
	// Newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) QueuedActionCounts(ctx context.Context, entityType, entityID string) (*ActionCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := &ActionCounts{ByPriority: make(map[string]int)}
	for _, a := range s.byID {
		eff := s.effective(a)
		if eff.Status != StatusQueued {
			continue
		}
		if entityType != "" && eff.EntityType != entityType {
			continue
		}
		if entityID != "" && eff.EntityID != entityID {
			continue
		}
		counts.QueuedCount++
		counts.ByPriority[string(eff.Priority)]++
	}
	return counts, nil
}

func (s *MemoryStore) RuleActivity(ctx context.Context, from, to time.Time) (map[string]*RuleActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*RuleActivity)
	bucket := func(rule string) *RuleActivity {
		if rule == "" {
			rule = "unknown"
		}
		b, ok := out[rule]
		if !ok {
			b = &RuleActivity{}
			out[rule] = b
		}
		return b
	}

	for _, a := range s.byID {
		if !a.LastSeenAt.Before(from) && a.LastSeenAt.Before(to) {
			bucket(a.CreatedByRule).Triggered++
		}
	}
	for _, recorded := range s.execs {
		for _, e := range recorded {
			if e.StartedAt.Before(from) || !e.StartedAt.Before(to) {
				continue
			}
			switch {
			case e.ActionKey == "dismiss" && e.Status == ExecSuccess:
				bucket(e.RuleKey).Dismissed++
			case e.Status == ExecSuccess:
				bucket(e.RuleKey).ExecutedOK++
			}
		}
	}
	return out, nil
}

// effective resolves an elapsed snooze back to queued without persisting the
// transition; the read path is what returns a snoozed action to the queue.
func (s *MemoryStore) effective(a *NextBestAction) *NextBestAction {
	if a.Status == StatusSnoozed && a.SnoozedUntil != nil && !s.now().Before(*a.SnoozedUntil) {
		eff := cloneAction(a)
		eff.Status = StatusQueued
		eff.SnoozedUntil = nil
		return eff
	}
	return a
}

func cloneAction(a *NextBestAction) *NextBestAction {
	c := *a
	c.SnoozedUntil = copyTime(a.SnoozedUntil)
	c.LastExecutedAt = copyTime(a.LastExecutedAt)
	return &c
}

func cloneExecution(e *Execution) *Execution {
	c := *e
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
