package ttlcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/garrettladley/payhook/internal/clock"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type Stats struct {
	Size      int    `json:"size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Cache is an in-process map with per-entry expiry. Expired entries are
// removed lazily by Get and actively by Sweep, which Start runs on an interval.
type Cache[K comparable, V any] struct {
	clock clock.Clock

	mu      sync.RWMutex
	entries map[K]entry[V]

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

func New[K comparable, V any](c clock.Clock) *Cache[K, V] {
	if c == nil {
		c = clock.System()
	}
	return &Cache[K, V]{
		clock:   c,
		entries: make(map[K]entry[V]),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	if !c.clock.Now().Before(e.expiresAt) {
		c.mu.Lock()
		// re-check under the write lock, a concurrent Set may have refreshed it
		if current, still := c.entries[key]; still && !c.clock.Now().Before(current.expiresAt) {
			delete(c.entries, key)
			c.evictions.Add(1)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	c.hits.Add(1)
	return e.value, true
}

func (c *Cache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry[V]{
		value:     value,
		expiresAt: c.clock.Now().Add(ttl),
	}
	c.mu.Unlock()
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Sweep removes every expired entry and returns how many were evicted.
func (c *Cache[K, V]) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	c.evictions.Add(uint64(removed))
	return removed
}

func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[K]entry[V])
	c.mu.Unlock()
}

func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Size:      c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Start launches the active sweep loop. Calling it more than once is a no-op.
func (c *Cache[K, V]) Start(interval time.Duration) {
	c.startOnce.Do(func() {
		ticker := c.clock.NewTicker(interval)
		go c.sweepLoop(ticker)
	})
}

func (c *Cache[K, V]) sweepLoop(ticker clock.Ticker) {
	defer close(c.stopped)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Close stops the sweep loop, if running, and waits for it to exit.
func (c *Cache[K, V]) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		started := true
		c.startOnce.Do(func() { started = false })
		if started {
			<-c.stopped
		}
	})
}
