package cache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cuemby/nimbus/pkg/metrics"
)

// Stats is a point-in-time snapshot of one cache's counters
type Stats struct {
	Name      string  `json:"name"`
	Size      int     `json:"size"`
	MaxSize   int     `json:"maxSize"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Sets      uint64  `json:"sets"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hitRate"`
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a size-bounded LRU with per-entry TTL. Expired entries are
// misses on read and swept by the janitor; capacity evictions count
// toward the eviction stat, explicit deletes and clears do not.
type Cache[V any] struct {
	name    string
	ttl     time.Duration
	maxSize int

	mu  sync.Mutex
	lru *lru.Cache[string, *entry[V]]

	// Set while Delete/Clear run so the evict callback can tell
	// capacity evictions from explicit removal.
	suppressEvict bool

	hits      atomic.Uint64
	misses    atomic.Uint64
	sets      atomic.Uint64
	evictions atomic.Uint64

	stopJanitor chan struct{}
	janitorOnce sync.Once
}

// New creates a named cache with the given capacity and default TTL
func New[V any](name string, maxSize int, ttl time.Duration) (*Cache[V], error) {
	c := &Cache[V]{
		name:        name,
		ttl:         ttl,
		maxSize:     maxSize,
		stopJanitor: make(chan struct{}),
	}

	l, err := lru.NewWithEvict[string, *entry[V]](maxSize, func(string, *entry[V]) {
		if !c.suppressEvict {
			c.evictions.Add(1)
			metrics.CacheEvictions.WithLabelValues(c.name).Inc()
		}
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Get returns the cached value if present and unexpired
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	e, ok := c.lru.Get(key)
	if ok && time.Now().After(e.expiresAt) {
		c.suppressEvict = true
		c.lru.Remove(key)
		c.suppressEvict = false
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		var zero V
		return zero, false
	}

	c.hits.Add(1)
	metrics.CacheHits.WithLabelValues(c.name).Inc()
	return e.value, true
}

// Set stores a value under the cache's default TTL
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores a value with an entry-specific TTL
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	c.lru.Add(key, &entry[V]{value: value, expiresAt: time.Now().Add(ttl)})
	c.mu.Unlock()

	c.sets.Add(1)
	metrics.CacheSets.WithLabelValues(c.name).Inc()
}

// Delete removes a key; it does not count as an eviction
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressEvict = true
	c.lru.Remove(key)
	c.suppressEvict = false
}

// Clear removes every entry; it does not count as evictions
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressEvict = true
	c.lru.Purge()
	c.suppressEvict = false
}

// Len returns the number of live entries, expired ones included
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters
func (c *Cache[V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	var rate float64
	if total > 0 {
		rate = float64(hits) / float64(total)
	}

	return Stats{
		Name:      c.name,
		Size:      c.Len(),
		MaxSize:   c.maxSize,
		Hits:      hits,
		Misses:    misses,
		Sets:      c.sets.Load(),
		Evictions: c.evictions.Load(),
		HitRate:   rate,
	}
}

// StartJanitor sweeps expired entries on the given interval
func (c *Cache[V]) StartJanitor(interval time.Duration) {
	c.janitorOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.sweep()
				case <-c.stopJanitor:
					return
				}
			}
		}()
	})
}

// StopJanitor stops the background sweep
func (c *Cache[V]) StopJanitor() {
	close(c.stopJanitor)
}

func (c *Cache[V]) sweep() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.suppressEvict = true
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && now.After(e.expiresAt) {
			c.lru.Remove(key)
		}
	}
	c.suppressEvict = false
}
