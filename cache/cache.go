// Package cache is the local read-through cache of stored records.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/impactdev/impactor/core"
)

// Key addresses one cached record.
type Key struct {
	Collection string
	Key        string
}

type entry struct {
	record     core.Record
	insertedAt time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL expires entries older than ttl. Zero keeps entries until they
// are evicted or invalidated.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// Cache is a bounded LRU of records. Records are cloned on the way in and
// out, so callers never share a map with the cache.
//
// A read fills the cache through a Fill started before the backend call.
// An invalidation of the key while the fill is pending voids it, so a
// read that raced a write never installs the value it read before the
// write.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu  sync.Mutex
	lru *simplelru.LRU[Key, entry]
	// fills counts pending fills per key; generation is bumped by
	// invalidations of keys with pending fills.
	fills      map[Key]int
	generation map[Key]uint64
}

// New creates a cache holding at most maxEntries records. A cache with
// maxEntries <= 0 holds nothing.
func New(maxEntries int, opts ...Option) *Cache {
	c := &Cache{
		now:        time.Now,
		fills:      make(map[Key]int),
		generation: make(map[Key]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	if maxEntries > 0 {
		// NewLRU only fails for a non-positive size
		c.lru, _ = simplelru.NewLRU[Key, entry](maxEntries, nil)
	}
	return c
}

// Enabled reports whether the cache holds anything at all.
func (c *Cache) Enabled() bool {
	return c.lru != nil
}

// Get returns a copy of the cached record of k.
func (c *Cache) Get(k Key) (core.Record, bool) {
	if c.lru == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(k)
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(e.insertedAt) > c.ttl {
		c.lru.Remove(k)
		return nil, false
	}
	return e.record.Clone(), true
}

// Add caches a copy of record under k.
func (c *Cache) Add(k Key, record core.Record) {
	if c.lru == nil || record == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(k, entry{record: record.Clone(), insertedAt: c.now()})
}

// Invalidate drops the entry of k and voids pending fills of k.
func (c *Cache) Invalidate(k Key) {
	if c.lru == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(k)
	if c.fills[k] > 0 {
		c.generation[k]++
	}
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	if c.lru == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Fill is a pending population of one key. Exactly one of Complete or
// Abort must be called.
type Fill struct {
	cache      *Cache
	key        Key
	generation uint64
	done       bool
}

// BeginFill starts a fill of k. Call it before reading the backend.
func (c *Cache) BeginFill(k Key) *Fill {
	f := &Fill{cache: c, key: k}
	if c.lru == nil {
		f.done = true
		return f
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fills[k]++
	f.generation = c.generation[k]
	return f
}

// Complete caches record unless k was invalidated since the fill began.
// It reports whether the record was cached. A nil record caches nothing.
func (f *Fill) Complete(record core.Record) bool {
	if f.done {
		return false
	}
	c := f.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.generation[f.key]
	f.release()
	if record == nil || current != f.generation {
		return false
	}
	c.lru.Add(f.key, entry{record: record.Clone(), insertedAt: c.now()})
	return true
}

// Abort ends the fill without caching anything.
func (f *Fill) Abort() {
	if f.done {
		return
	}
	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()
	f.release()
}

// release must be called with the cache lock held.
func (f *Fill) release() {
	f.done = true
	c := f.cache
	c.fills[f.key]--
	if c.fills[f.key] <= 0 {
		delete(c.fills, f.key)
		delete(c.generation, f.key)
	}
}
