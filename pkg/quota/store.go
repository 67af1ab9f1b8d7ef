// Package quota enforces per-tenant usage ceilings with atomic
// check-and-increment counters.
package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Store is an atomic counter store. Implementations must make Reserve a single
// atomic step: the counter is incremented only when the result stays within
// limit.
type Store interface {
	// Reserve adds n to key iff the new value is <= limit. It returns whether
	// the reservation was granted and the counter value afterwards.
	Reserve(ctx context.Context, key string, n, limit int64, ttl time.Duration) (bool, int64, error)
	// Release subtracts n from key without going below zero.
	Release(ctx context.Context, key string, n int64) (int64, error)
	// Get returns the current value of key, zero when absent.
	Get(ctx context.Context, key string) (int64, error)
	// Seed sets key to value only when key is absent or expired. It reports
	// whether the value was written.
	Seed(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error)
}

// MemoryStore is an in-process Store built on compare-and-swap. It is used
// when Redis is not configured and in tests.
type MemoryStore struct {
	counters sync.Map // key -> *memoryCounter
	now      func() time.Time
}

type memoryCounter struct {
	value     atomic.Int64
	expiresAt atomic.Int64 // unix nanos, 0 = never
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

var _ Store = (*MemoryStore)(nil)

// load returns the live counter for key, or nil when it is absent or
// expired.
func (m *MemoryStore) load(key string) *memoryCounter {
	c, ok := m.counters.Load(key)
	if !ok {
		return nil
	}
	counter := c.(*memoryCounter)
	if exp := counter.expiresAt.Load(); exp != 0 && m.now().UnixNano() >= exp {
		return nil
	}
	return counter
}

func (m *MemoryStore) counter(key string, ttl time.Duration) *memoryCounter {
	c, _ := m.counters.LoadOrStore(key, &memoryCounter{})
	counter := c.(*memoryCounter)

	now := m.now()
	if exp := counter.expiresAt.Load(); exp != 0 && now.UnixNano() >= exp {
		// Expired: start a fresh counter in place of the old one.
		fresh := &memoryCounter{}
		if m.counters.CompareAndSwap(key, counter, fresh) {
			counter = fresh
		} else {
			c, _ = m.counters.Load(key)
			counter = c.(*memoryCounter)
		}
	}
	if ttl > 0 {
		counter.expiresAt.CompareAndSwap(0, now.Add(ttl).UnixNano())
	}
	return counter
}

// Reserve implements Store.
func (m *MemoryStore) Reserve(_ context.Context, key string, n, limit int64, ttl time.Duration) (bool, int64, error) {
	c := m.counter(key, ttl)
	for {
		cur := c.value.Load()
		next := cur + n
		if next > limit {
			return false, cur, nil
		}
		if c.value.CompareAndSwap(cur, next) {
			return true, next, nil
		}
	}
}

// Release implements Store. Releasing an absent key is a no-op.
func (m *MemoryStore) Release(_ context.Context, key string, n int64) (int64, error) {
	c := m.load(key)
	if c == nil {
		return 0, nil
	}
	for {
		cur := c.value.Load()
		next := cur - n
		if next < 0 {
			next = 0
		}
		if c.value.CompareAndSwap(cur, next) {
			return next, nil
		}
	}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	c := m.load(key)
	if c == nil {
		return 0, nil
	}
	return c.value.Load(), nil
}

// Seed implements Store.
func (m *MemoryStore) Seed(_ context.Context, key string, value int64, ttl time.Duration) (bool, error) {
	fresh := &memoryCounter{}
	fresh.value.Store(value)
	if ttl > 0 {
		fresh.expiresAt.Store(m.now().Add(ttl).UnixNano())
	}

	for {
		c, loaded := m.counters.LoadOrStore(key, fresh)
		if !loaded {
			return true, nil
		}
		old := c.(*memoryCounter)
		if exp := old.expiresAt.Load(); exp == 0 || m.now().UnixNano() < exp {
			return false, nil
		}
		if m.counters.CompareAndSwap(key, old, fresh) {
			return true, nil
		}
	}
}
