package catalog

import (
	"sync"
	"time"

	"github.com/casys-ai/pml/internal/bridge"
	"github.com/casys-ai/pml/internal/wire"
)

// Cache is a TTL-bounded local cache of fetched capabilities, keyed by
// FQDN, so a busy session doesn't re-fetch the same capability from the
// cloud catalog on every call. Adapted from runtime/registry/cache.go's
// MemoryCache: same mutex/map/expiresAt shape, without its background
// refresh machinery, since the loader re-fetches synchronously on a miss
// rather than needing a warm cache kept fresh in the background.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	capability wire.Capability
	tools      []bridge.ToolDefinition
	expiresAt  time.Time
}

// DefaultCacheTTL matches the spec's expectation that a capability's
// integrity is re-validated reasonably often rather than pinned in memory
// indefinitely.
const DefaultCacheTTL = 5 * time.Minute

// NewCache returns an empty cache with the given TTL (DefaultCacheTTL if
// <= 0).
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

// Get returns the cached capability for fqdn if present and unexpired.
func (c *Cache) Get(fqdn string) (wire.Capability, []bridge.ToolDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[fqdn]
	if !ok || time.Now().After(e.expiresAt) {
		return wire.Capability{}, nil, false
	}
	return e.capability, e.tools, true
}

// Put stores cap/tools for fqdn with the cache's configured TTL.
func (c *Cache) Put(fqdn string, cap wire.Capability, tools []bridge.ToolDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fqdn] = cacheEntry{capability: cap, tools: tools, expiresAt: time.Now().Add(c.ttl)}
}

// Invalidate drops the cached entry for fqdn, used after an integrity
// approval changes what fetching it should yield.
func (c *Cache) Invalidate(fqdn string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fqdn)
}
