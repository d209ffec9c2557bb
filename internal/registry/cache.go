package registry

import (
	"sync"
	"time"
)

// ToolCache is a short TTL cache for tool lookups on the evaluation path.
// Expired entries are never served: a tool disabled elsewhere is seen at most
// one TTL later.
//
// Every key carries a generation that Delete and Clear advance. A lookup that
// missed hands its Version to Set, and Set refuses to store a row read before
// an invalidation that happened while the read was in flight.
type ToolCache struct {
	mu      sync.Mutex
	entries map[toolKey]toolCacheEntry
	gens    map[toolKey]uint64
	epoch   uint64 // advanced by Clear
	ttl     time.Duration
	now     func() time.Time
}

type toolKey struct{ tenant, name string }

type toolCacheEntry struct {
	tool      *Tool // nil = negative cache (tool not registered)
	expiresAt time.Time
}

// Version identifies the invalidation state of a key at lookup time.
type Version struct{ epoch, gen uint64 }

// NewToolCache creates a cache with the given TTL.
func NewToolCache(ttl time.Duration) *ToolCache {
	return &ToolCache{
		entries: map[toolKey]toolCacheEntry{},
		gens:    map[toolKey]uint64{},
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached tool and hit=true for a fresh entry. On a miss the
// returned Version must be passed to Set with the freshly loaded row.
func (c *ToolCache) Get(tenantID, name string) (tool *Tool, hit bool, v Version) {
	k := toolKey{tenantID, name}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[k]; ok {
		if c.now().Before(e.expiresAt) {
			return e.tool, true, Version{}
		}
		delete(c.entries, k)
	}
	return nil, false, Version{epoch: c.epoch, gen: c.gens[k]}
}

// Set caches tool (nil for a negative entry) unless the key was invalidated
// after v was taken. It reports whether the entry was stored.
func (c *ToolCache) Set(tenantID, name string, tool *Tool, v Version) bool {
	k := toolKey{tenantID, name}
	c.mu.Lock()
	defer c.mu.Unlock()

	if v.epoch != c.epoch || v.gen != c.gens[k] {
		return false
	}
	c.entries[k] = toolCacheEntry{tool: tool, expiresAt: c.now().Add(c.ttl)}
	return true
}

// Delete drops the entry and invalidates in-flight loads of it.
func (c *ToolCache) Delete(tenantID, name string) {
	k := toolKey{tenantID, name}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, k)
	c.gens[k]++
}

// Clear drops every entry and invalidates every in-flight load. Used after the
// invalidation bus reconnects, since messages published while disconnected
// are lost.
func (c *ToolCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	clear(c.gens)
	c.epoch++
}
