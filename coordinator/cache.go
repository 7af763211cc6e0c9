package coordinator

import (
	"sync"
	"time"

	"scanflow/internal/clock"
	"scanflow/models"
)

type cacheEntry struct {
	spreads  []models.VerticalSpread
	cachedAt time.Time
}

// ttlCache holds scan results for a fixed time-to-live. Expired
// entries are never returned; they are dropped lazily on lookup and
// swept periodically by the coordinator's janitor. Concurrent writers
// for the same key are allowed and the last write wins.
type ttlCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	clk     clock.Clock
}

func newTTLCache(ttl time.Duration, clk clock.Clock) *ttlCache {
	return &ttlCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		clk:     clk,
	}
}

func (c *ttlCache) get(key string) ([]models.VerticalSpread, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.clk.Now().Sub(entry.cachedAt) > c.ttl {
		c.mu.Lock()
		// Re-check under the write lock; a fresh write may have landed.
		if current, ok := c.entries[key]; ok && c.clk.Now().Sub(current.cachedAt) > c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.spreads, true
}

func (c *ttlCache) set(key string, spreads []models.VerticalSpread) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{spreads: spreads, cachedAt: c.clk.Now()}
	c.mu.Unlock()
}

// evictExpired removes every entry past its TTL and reports how many
// were dropped.
func (c *ttlCache) evictExpired() int {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for key, entry := range c.entries {
		if now.Sub(entry.cachedAt) > c.ttl {
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}

func (c *ttlCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
