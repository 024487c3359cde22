package reputation

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sentinel-dpa/telegram-sentinel/internal/ioc"
)

// DefaultRetention is how long a stored result is served without a live call.
const DefaultRetention = 24 * time.Hour

// CacheEntry is one memoized verdict.
type CacheEntry struct {
	Indicator  ioc.Indicator
	Result     Result
	ObservedAt time.Time
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	// Retention is the freshness window. Zero means DefaultRetention.
	Retention time.Duration
	// MaxEntries bounds the table with LRU eviction. Zero keeps every entry
	// until Compact removes it.
	MaxEntries int
}

// Cache memoizes reputation results keyed by indicator value. Stale entries
// are not removed by Lookup; the next Store overwrites them and Compact
// sweeps them.
type Cache struct {
	mu        sync.RWMutex
	retention time.Duration
	entries   map[string]CacheEntry
	bounded   *lru.Cache[string, CacheEntry]
}

func NewCache(opts CacheOptions) (*Cache, error) {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	c := &Cache{retention: opts.Retention}
	if opts.MaxEntries > 0 {
		l, err := lru.New[string, CacheEntry](opts.MaxEntries)
		if err != nil {
			return nil, fmt.Errorf("create lru: %w", err)
		}
		c.bounded = l
	} else {
		c.entries = make(map[string]CacheEntry)
	}
	return c, nil
}

// Retention returns the configured freshness window.
func (c *Cache) Retention() time.Duration { return c.retention }

// Lookup returns the stored result when now-observedAt is below the
// retention window.
func (c *Cache) Lookup(ind ioc.Indicator, now time.Time) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.get(ind.Value)
	if !ok {
		return Result{}, false
	}
	if now.Sub(entry.ObservedAt) >= c.retention {
		return Result{}, false
	}
	return entry.Result, true
}

// Store records r as observed at now, replacing any previous entry.
func (c *Cache) Store(ind ioc.Indicator, r Result, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := CacheEntry{Indicator: ind, Result: r, ObservedAt: now}
	if c.bounded != nil {
		c.bounded.Add(ind.Value, entry)
		return
	}
	c.entries[ind.Value] = entry
}

// Compact drops every entry that is stale at now and returns how many were
// removed.
func (c *Cache) Compact(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	if c.bounded != nil {
		for _, k := range c.bounded.Keys() {
			if e, ok := c.bounded.Peek(k); ok && now.Sub(e.ObservedAt) >= c.retention {
				c.bounded.Remove(k)
				removed++
			}
		}
		return removed
	}
	for k, e := range c.entries {
		if now.Sub(e.ObservedAt) >= c.retention {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len counts stored entries, stale ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bounded != nil {
		return c.bounded.Len()
	}
	return len(c.entries)
}

func (c *Cache) get(key string) (CacheEntry, bool) {
	if c.bounded != nil {
		// Peek keeps the read lock sufficient; recency is only refreshed on Store.
		return c.bounded.Peek(key)
	}
	e, ok := c.entries[key]
	return e, ok
}
