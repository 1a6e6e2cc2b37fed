package notify

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory EventStore for tests and single-node
// development. State is lost on restart, so a restart may re-notify early.
type MemoryStore struct {
	mu   sync.RWMutex
	last map[string]time.Time
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{last: make(map[string]time.Time)}
}

var _ EventStore = (*MemoryStore)(nil)

func (s *MemoryStore) LastNotified(ctx context.Context, dedupeKey string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.last[dedupeKey]
	if !ok {
		return time.Time{}, ErrNoEvent
	}
	return at, nil
}

func (s *MemoryStore) MarkNotified(ctx context.Context, dedupeKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[dedupeKey] = at
	return nil
}
