package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedLock prevents multiple aegis replicas from claiming the same
// correlation key concurrently, backed by a Redis `SET NX PX` (spec.md §9
// supplement: the in-process Queue's correlation-key lock generalizes to a
// cluster-wide lock when Redis is configured). A nil *DistributedLock value
// is always a no-op pass, so single-replica deployments never need Redis.
type DistributedLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDistributedLock builds a lock against addr, or returns nil when addr is
// empty (single-replica mode).
func NewDistributedLock(addr string, ttl time.Duration) *DistributedLock {
	if addr == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &DistributedLock{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

// NewDistributedLockFromClient wraps an already-constructed client (a
// miniredis-backed one in tests).
func NewDistributedLockFromClient(client *redis.Client, ttl time.Duration) *DistributedLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &DistributedLock{client: client, ttl: ttl}
}

// Acquire attempts to claim correlationKey cluster-wide. A nil receiver
// always succeeds (no distributed coordination configured).
func (l *DistributedLock) Acquire(ctx context.Context, correlationKey string) (bool, error) {
	if l == nil {
		return true, nil
	}
	return l.client.SetNX(ctx, lockKey(correlationKey), "1", l.ttl).Result()
}

// Release drops the cluster-wide claim on correlationKey. A nil receiver is
// a no-op.
func (l *DistributedLock) Release(ctx context.Context, correlationKey string) error {
	if l == nil {
		return nil
	}
	return l.client.Del(ctx, lockKey(correlationKey)).Err()
}

func lockKey(correlationKey string) string {
	return "aegis:correlation-lock:" + correlationKey
}
