package attribution

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*Attribution
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Attribution)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(ctx context.Context, a *Attribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	s.byID[c.ID] = &c
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Attribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (s *MemoryStore) ListWindow(ctx context.Context, actorUserID string, from, to time.Time) ([]*Attribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Attribution
	for _, a := range s.byID {
		if actorUserID != "" && a.ActorUserID != actorUserID {
			continue
		}
		if a.OccurredAt.Before(from) || !a.OccurredAt.Before(to) {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}
