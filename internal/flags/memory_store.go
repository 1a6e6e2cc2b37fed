package flags

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opsdeck/opsdeck/internal/idgen"
)

// MemoryStore is an in-memory flag store for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*RiskFlag
	byDedupe map[string]string // dedupeKey -> id
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory flag store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*RiskFlag),
		byDedupe: make(map[string]string),
		now:      time.Now,
	}
}

// WithClock overrides the store's timestamp source (tests).
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Upsert(_ context.Context, candidates []*RiskFlag) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res UpsertResult
	now := m.now()

	// Input order is the resolution order: equal dedupe keys within one
	// batch deterministically resolve last-write-wins.
	for _, c := range candidates {
		if id, ok := m.byDedupe[c.DedupeKey]; ok {
			existing := m.byID[id]
			existing.Severity = c.Severity
			existing.Title = c.Title
			existing.SourceType = c.SourceType
			existing.SourceID = c.SourceID
			existing.LastSeenAt = now
			existing.UpdatedAt = now
			// Status is operator-owned; re-detection never touches it.
			res.Updated++
			continue
		}

		cp := *c
		if cp.ID == "" {
			cp.ID = idgen.WithPrefix("flag_")
		}
		cp.Status = StatusOpen
		cp.CreatedAt = now
		cp.UpdatedAt = now
		cp.LastSeenAt = now
		m.byID[cp.ID] = &cp
		m.byDedupe[cp.DedupeKey] = cp.ID
		res.Created++
	}

	return res, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*RiskFlag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryStore) GetByDedupeKey(_ context.Context, dedupeKey string) (*RiskFlag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byDedupe[dedupeKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]*RiskFlag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*RiskFlag
	for _, f := range m.byID {
		if filter.Status != "" && f.Status != filter.Status {
			continue
		}
		if filter.EntityType != "" && f.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && f.EntityID != filter.EntityID {
			continue
		}
		cp := *f
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		si, sj := SeverityRank(result[i].Severity), SeverityRank(result[j].Severity)
		if si != sj {
			return si > sj
		}
		return result[i].LastSeenAt.After(result[j].LastSeenAt)
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status) error {
	if !ValidStatus(status) {
		return ErrInvalidStatus
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	f.Status = status
	f.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) OpenRiskCounts(_ context.Context, entityType, entityID string) (*RiskCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := &RiskCounts{BySeverity: make(map[string]int)}
	for _, f := range m.byID {
		if f.Status != StatusOpen {
			continue
		}
		if entityType != "" && f.EntityType != entityType {
			continue
		}
		if entityID != "" && f.EntityID != entityID {
			continue
		}
		counts.OpenCount++
		counts.BySeverity[string(f.Severity)]++
		if f.Severity == SeverityCritical {
			counts.CriticalCount++
		}
	}
	return counts, nil
}

var _ Store = (*MemoryStore)(nil)
