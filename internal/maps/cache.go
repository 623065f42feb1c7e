package maps

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/ridehail/internal/models"
)

// Cache is a tiny in-memory TTL cache keyed by a coordinate pair.
type Cache[V any] struct {
	mu    sync.RWMutex
	store map[string]cacheEntry[V]
	ttl   time.Duration
}

type cacheEntry[V any] struct {
	v  V
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{store: make(map[string]cacheEntry[V]), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache[V]) Get(a, b models.Coord) (V, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache[V]) Set(a, b models.Coord, v V) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry[V]{v: v, ts: time.Now()}
	c.mu.Unlock()
}
