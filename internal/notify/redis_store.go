package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps notification events in Redis with a TTL slightly longer
// than the cooldown, so stale keys expire on their own instead of
// accumulating forever.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed event store. cooldown sizes the key
// TTL; entries live for twice the cooldown so a lookup just past the window
// still sees the old timestamp rather than a vanished key.
func NewRedisStore(client *redis.Client, cooldown time.Duration) *RedisStore {
	ttl := 2 * cooldown
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

var _ EventStore = (*RedisStore)(nil)

func key(dedupeKey string) string {
	return "notify:last:" + dedupeKey
}

func (s *RedisStore) LastNotified(ctx context.Context, dedupeKey string) (time.Time, error) {
	raw, err := s.client.Get(ctx, key(dedupeKey)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, ErrNoEvent
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last notified: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse notified timestamp: %w", err)
	}
	return at, nil
}

func (s *RedisStore) MarkNotified(ctx context.Context, dedupeKey string, at time.Time) error {
	if err := s.client.Set(ctx, key(dedupeKey), at.Format(time.RFC3339Nano), s.ttl).Err(); err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}
