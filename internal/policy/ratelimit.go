package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore is the backing store for fixed-window rate-limit
// counters. The in-memory implementation is correct for a
// single-process deployment; the Redis implementation centralizes the
// counters so multiple gateway instances share them. Same interface,
// swapped backing store.
type CounterStore interface {
	// IncrGet atomically increments the counter for key and returns the
	// new value. ttl bounds the counter's lifetime; it is applied when
	// the counter is first created in its window.
	IncrGet(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// hourBucket and dayBucket produce UTC fixed-window key suffixes.
func hourBucket(t time.Time) string { return t.UTC().Format("2006010215") }
func dayBucket(t time.Time) string  { return t.UTC().Format("20060102") }

func hourKey(agreementID string, t time.Time) string {
	return fmt.Sprintf("fedrl:%s:h:%s", agreementID, hourBucket(t))
}

func dayKey(agreementID string, t time.Time) string {
	return fmt.Sprintf("fedrl:%s:d:%s", agreementID, dayBucket(t))
}

// ============================================================================
// IN-MEMORY COUNTER STORE
// ============================================================================

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounterStore is the in-process CounterStore. A counter bucket is
// reset exactly once when its window expires, under the lock, not by
// racing readers evicting it repeatedly.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

// NewMemoryCounterStore creates an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

func (m *MemoryCounterStore) IncrGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, ok := m.counters[key]
	if !ok || now.After(c.expiresAt) {
		c = &memoryCounter{expiresAt: now.Add(ttl)}
		m.counters[key] = c
	}
	c.count++
	return c.count, nil
}

// ============================================================================
// REDIS COUNTER STORE
// ============================================================================

// RedisCounterStore backs the counters with Redis so a multi-instance
// deployment enforces limits globally.
type RedisCounterStore struct {
	rdb *redis.Client
}

// NewRedisCounterStore wraps an existing go-redis client.
func NewRedisCounterStore(rdb *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb}
}

func (r *RedisCounterStore) IncrGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	// First hit in this window creates the key; bound its lifetime.
	if count == 1 {
		if err := r.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return count, fmt.Errorf("redis expire %s: %w", key, err)
		}
	}
	return count, nil
}
