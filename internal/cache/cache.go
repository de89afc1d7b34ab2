package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is a per-key TTL cache with single-flight semantics: at most one
// compute runs per key at a time, and callers that arrive while a fresh entry
// exists are served without recomputation.
//
// Per-key mutexes are kept for the process lifetime. The key space is bounded
// by active thread/user pairs, so there is no eviction of the mutex map.
type Cache[V any] struct {
	ttl    time.Duration
	errTTL time.Duration

	mu      sync.Mutex
	entries map[string]entry[V]
	locks   map[string]*sync.Mutex

	now func() time.Time
}

type entry[V any] struct {
	value    V
	insertAt time.Time
	ttl      time.Duration
}

// New builds a cache with the given success TTL and a separate, shorter TTL
// for entries stored after a failed compute.
func New[V any](ttl, errTTL time.Duration) *Cache[V] {
	if errTTL <= 0 || errTTL > ttl {
		errTTL = ttl
	}
	return &Cache[V]{
		ttl:     ttl,
		errTTL:  errTTL,
		entries: make(map[string]entry[V]),
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// GetOrCompute returns the cached value for key if it is still fresh,
// otherwise runs compute exactly once across concurrent callers and caches
// the result. If compute fails, the zero value is cached under the error TTL
// so a burst of failing requests does not hammer the backend, and the error
// is returned to the caller that ran the compute.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (V, error)) (V, error) {
	// Fast path: fresh entry, no per-key lock needed.
	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have finished the compute while we waited.
	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	v, err := compute(ctx)
	if err != nil {
		var zero V
		c.store(key, zero, c.errTTL)
		return zero, err
	}
	c.store(key, v, c.ttl)
	return v, nil
}

// Invalidate removes entries immediately. Must be called on any mutation of
// the underlying data (e.g. thread deletion) so a stale hit is never served.
func (c *Cache[V]) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}

func (c *Cache[V]) lookup(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().Sub(e.insertAt) >= e.ttl {
		// Lazy expiration: drop the stale entry on observation.
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) store(key string, v V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: v, insertAt: c.now(), ttl: ttl}
}

func (c *Cache[V]) keyLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}
