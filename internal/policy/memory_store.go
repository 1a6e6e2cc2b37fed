package policy

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory WeightStore for tests and single-node
// development.
type MemoryStore struct {
	mu    sync.RWMutex
	byKey map[string]*LearnedWeight
}

// NewMemoryStore creates an empty in-memory weight store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]*LearnedWeight)}
}

var _ WeightStore = (*MemoryStore)(nil)

func (s *MemoryStore) Get(ctx context.Context, key string) (*LearnedWeight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWeight(w), nil
}

func (s *MemoryStore) Upsert(ctx context.Context, w *LearnedWeight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[w.Key] = cloneWeight(w)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*LearnedWeight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*LearnedWeight, 0, len(s.byKey))
	for _, w := range s.byKey {
		out = append(out, cloneWeight(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func cloneWeight(w *LearnedWeight) *LearnedWeight {
	c := *w
	if w.SuppressedUntil != nil {
		t := *w.SuppressedUntil
		c.SuppressedUntil = &t
	}
	if w.Stats != nil {
		c.Stats = make(map[string]any, len(w.Stats))
		for k, v := range w.Stats {
			c.Stats[k] = v
		}
	}
	return &c
}
