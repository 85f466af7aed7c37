package tool

import (
	"sync"
	"time"
)

const (
	// MaxToolsPerServer is the hard cap on tools a single downstream can
	// register when no configured limit applies. Prevents memory DoS from
	// a downstream advertising excessive tool counts.
	MaxToolsPerServer = 1000

	// MaxTotalTools is the maximum total tools across all servers.
	MaxTotalTools = 10000

	// DefaultTTL is how long a cache entry stays fresh without a refresh.
	DefaultTTL = 5 * time.Minute
)

// CacheEntry wraps a DiscoveredTool with freshness and usage metadata.
type CacheEntry struct {
	Tool      *DiscoveredTool
	ExpiresAt time.Time
	Hits      int64
}

// Cache provides thread-safe storage for discovered tools.
// It maintains two indexes: by namespaced name (for routing) and by server
// name (for refresh/removal). Entries carry a TTL; expired entries still
// resolve but report stale so callers can trigger a refresh.
type Cache struct {
	ttl      time.Duration
	byName   map[string]*CacheEntry
	byServer map[string][]*CacheEntry

	hits   int64
	misses int64

	mu sync.RWMutex
}

// NewCache creates an empty Cache. A non-positive ttl falls back to
// DefaultTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:      ttl,
		byName:   make(map[string]*CacheEntry),
		byServer: make(map[string][]*CacheEntry),
	}
}

// SetToolsForServer replaces all tools for the given server.
// Old entries for the server are removed from the name index first, so a
// tool that disappeared downstream is purged. Tools beyond MaxTotalTools
// globally are not indexed by name.
func (c *Cache) SetToolsForServer(server string, tools []*DiscoveredTool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.byServer[server]; ok {
		for _, e := range old {
			delete(c.byName, e.Tool.NamespacedName)
		}
	}

	now := time.Now()
	entries := make([]*CacheEntry, 0, len(tools))
	for _, t := range tools {
		e := &CacheEntry{Tool: t, ExpiresAt: now.Add(c.ttl)}
		entries = append(entries, e)
		if len(c.byName) >= MaxTotalTools {
			continue
		}
		c.byName[t.NamespacedName] = e
	}
	c.byServer[server] = entries
}

// Get looks up a tool by namespaced name, counting the access towards the
// hit-rate statistic. The second result reports whether a tool was found;
// the third whether the entry is still fresh.
func (c *Cache) Get(namespacedName string) (*DiscoveredTool, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byName[namespacedName]
	if !ok {
		c.misses++
		return nil, false, false
	}
	c.hits++
	e.Hits++
	return e.Tool, true, time.Now().Before(e.ExpiresAt)
}

// Peek looks up a tool by namespaced name without touching the hit-rate
// counters. Used for internal bookkeeping such as conflict detection.
func (c *Cache) Peek(namespacedName string) (*DiscoveredTool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.byName[namespacedName]
	if !ok {
		return nil, false
	}
	return e.Tool, true
}

// GetByOriginal resolves an original (un-namespaced) name, but only when
// exactly one server advertises it. Ambiguous names return false.
func (c *Cache) GetByOriginal(originalName string) (*DiscoveredTool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var found *DiscoveredTool
	for _, e := range c.byName {
		if e.Tool.OriginalName != originalName {
			continue
		}
		if found != nil {
			c.misses++
			return nil, false
		}
		found = e.Tool
	}
	if found == nil {
		c.misses++
		return nil, false
	}
	c.hits++
	return found, true
}

// All returns all cached tools.
func (c *Cache) All() []*DiscoveredTool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*DiscoveredTool, 0, len(c.byName))
	for _, e := range c.byName {
		result = append(result, e.Tool)
	}
	return result
}

// ToolsForServer returns all tools for a specific server.
func (c *Cache) ToolsForServer(server string) []*DiscoveredTool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := c.byServer[server]
	if entries == nil {
		return nil
	}
	result := make([]*DiscoveredTool, 0, len(entries))
	for _, e := range entries {
		result = append(result, e.Tool)
	}
	return result
}

// RemoveServer removes all tools for a server from the cache.
func (c *Cache) RemoveServer(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entries, ok := c.byServer[server]; ok {
		for _, e := range entries {
			delete(c.byName, e.Tool.NamespacedName)
		}
	}
	delete(c.byServer, server)
}

// Clear drops every entry and resets the hit-rate counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byName = make(map[string]*CacheEntry)
	c.byServer = make(map[string][]*CacheEntry)
	c.hits = 0
	c.misses = 0
}

// Count returns the total number of cached tools.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.byName)
}

// CountForServer returns the number of cached tools for one server.
func (c *Cache) CountForServer(server string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.byServer[server])
}

// HitRate returns the fraction of lookups that found a tool, or 0 when no
// lookup happened yet.
func (c *Cache) HitRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}
