// Package cache provides the bounded, time-to-live key/value store used for
// catalog pages, worker payloads, in-flight jobs and final results.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	DefaultMaxEntries = 500
	DefaultMaxSize    = 5000
	DefaultTTL        = 5 * time.Hour
)

// Options configures a Cache. Zero values take the package defaults.
//   - MaxEntries: upper bound on the number of entries.
//   - MaxSize: upper bound on the summed SizeFunc cost of all entries.
//   - SizeFunc: cost of one entry (defaults to 1).
//   - TTL: age after which an entry is stale.
//   - AllowStale: return stale values once instead of reporting a miss.
//   - Now: clock override for tests.
type Options[K comparable, V any] struct {
	MaxEntries int
	MaxSize    int
	SizeFunc   func(key K, value V) int
	TTL        time.Duration
	AllowStale bool
	Now        func() time.Time
}

type entry[V any] struct {
	value   V
	size    int
	touched time.Time
}

// Cache is a least-recently-used store bounded by entry count and by total
// size. Reads refresh an entry's age. It is safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[K, *entry[V]]
	opts  Options[K, V]
	total int
}

// New creates a Cache with the given options.
func New[K comparable, V any](opts Options[K, V]) (*Cache[K, V], error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SizeFunc == nil {
		opts.SizeFunc = func(K, V) int { return 1 }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache[K, V]{opts: opts}
	l, err := simplelru.NewLRU[K, *entry[V]](opts.MaxEntries, func(_ K, e *entry[V]) {
		c.total -= e.size
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	c.lru = l
	return c, nil
}

// Get returns the value for key and refreshes its age. A stale entry is
// dropped; its value is still returned when AllowStale is set.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	now := c.opts.Now()
	if c.isStale(e, now) {
		c.lru.Remove(key)
		if c.opts.AllowStale {
			return e.value, true
		}
		return zero, false
	}
	e.touched = now
	return e.value, true
}

// Has reports whether a fresh entry exists for key and refreshes its age.
func (c *Cache[K, V]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		return false
	}
	now := c.opts.Now()
	if c.isStale(e, now) {
		return false
	}
	e.touched = now
	return true
}

// Set stores value under key, evicting least-recently-used entries until both
// bounds hold. A value whose size alone exceeds MaxSize is not stored.
func (c *Cache[K, V]) Set(key K, value V) bool {
	size := c.opts.SizeFunc(key, value)
	if size < 0 {
		size = 0
	}
	if size > c.opts.MaxSize {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Remove(key)
	c.lru.Add(key, &entry[V]{value: value, size: size, touched: c.opts.Now()})
	c.total += size
	for c.total > c.opts.MaxSize {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
	return true
}

// Delete removes key and reports whether it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Len returns the number of entries, stale ones included.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Size returns the summed cost of all entries.
func (c *Cache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *Cache[K, V]) isStale(e *entry[V], now time.Time) bool {
	return now.Sub(e.touched) > c.opts.TTL
}
