// Package cache provides the bounded TTL+LRU cache used by the approval
// engine for definitions, versions, instances and pending-approval lists.
//
// A Cache is safe for concurrent use. Its lock is never held while a value
// is being loaded, see GetOrLoad.
package cache

import (
	"container/list"
	"context"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Config configures a Cache.
type Config struct {
	// MaxSize bounds the number of entries. Zero means unbounded.
	MaxSize int
	// DefaultTTL applies to Set calls with ttl <= 0. Zero means entries
	// without an explicit TTL never expire.
	DefaultTTL time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Hits          int64
	Misses        int64
	Evictions     int64
	Invalidations int64
	Expirations   int64
	Size          int
	MaxSize       int
	HitRate       float64
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time // zero: never
}

// Cache is a TTL+LRU key/value store.
type Cache struct {
	maxSize    int
	defaultTTL time.Duration
	now        func() time.Time

	mu    sync.Mutex
	ll    *list.List // front = most recently used
	items map[string]*list.Element
	// gen is bumped on every invalidation so in-flight loads started
	// before it do not store stale values.
	gen uint64

	hits, misses, evictions, invalidations, expirations int64

	group singleflight.Group
}

// New creates a cache from cfg.
func New(cfg Config) *Cache {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		maxSize:    cfg.MaxSize,
		defaultTTL: cfg.DefaultTTL,
		now:        now,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}
}

// Get returns the value stored under key. Expired entries count as a miss
// and are removed.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if e.expired(c.now()) {
		c.removeElement(el)
		c.expirations++
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Set stores value under key. A ttl <= 0 selects the default TTL.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, value, ttl)
}

func (c *Cache) set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = expiresAt
		c.ll.MoveToFront(el)
		return
	}

	c.items[key] = c.ll.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
	for c.maxSize > 0 && c.ll.Len() > c.maxSize {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions++
	}
}

// Delete removes the given keys and returns how many were present.
func (c *Cache) Delete(keys ...string) int {
	c.mu.Lock()
	n := 0
	for _, k := range keys {
		if el, ok := c.items[k]; ok {
			c.removeElement(el)
			n++
		}
	}
	c.invalidations += int64(n)
	c.gen++
	c.mu.Unlock()

	for _, k := range keys {
		c.group.Forget(k)
	}
	return n
}

// InvalidatePattern removes every key matching the path.Match pattern and
// returns how many were removed. Malformed patterns match nothing.
func (c *Cache) InvalidatePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, el := range c.items {
		if ok, err := path.Match(pattern, k); err == nil && ok {
			c.removeElement(el)
			n++
		}
	}
	c.invalidations += int64(n)
	c.gen++
	return n
}

// CleanupExpired purges every expired entry and returns the count.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*entry).expired(now) {
			c.removeElement(el)
			n++
		}
		el = prev
	}
	c.expirations += int64(n)
	return n
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.gen++
}

// Len returns the number of stored entries, including expired ones that
// were not purged yet.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Invalidations: c.invalidations,
		Expirations:   c.expirations,
		Size:          c.ll.Len(),
		MaxSize:       c.maxSize,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (c *Cache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// GetOrLoad returns the cached value for key or calls load to produce it.
// Concurrent loads of the same key are collapsed into one call. The cache
// lock is not held while load runs, and a load that raced with an
// invalidation is returned to its callers but not stored.
//
// A nil cache always calls load.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if c == nil {
		return load(ctx)
	}
	if v, ok := c.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.set(key, val, ttl)
		}
		c.mu.Unlock()
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
