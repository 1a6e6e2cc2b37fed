// Package syncutil provides small synchronization helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

const lockShards = 64

// KeyedLock serializes work per string key. Locks are channel-backed so a
// waiter can give up when its context is cancelled instead of blocking a
// request handler indefinitely. Distinct keys may share a shard; that only
// costs contention, never correctness.
type KeyedLock struct {
	shards [lockShards]chan struct{}
}

// NewKeyedLock returns a KeyedLock with all shards unlocked.
func NewKeyedLock() *KeyedLock {
	l := &KeyedLock{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{}
	}
	return l
}

// Acquire locks the shard for key. It returns a release function that the
// caller must invoke exactly once, or the context error if ctx is done
// before the lock is free.
func (l *KeyedLock) Acquire(ctx context.Context, key string) (func(), error) {
	shard := l.shards[shardFor(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockShards
}
