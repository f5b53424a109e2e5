package bus

import (
	"sync"
	"time"
)

// DedupeCache suppresses duplicate inbound messages (webhook retries,
// double-taps) within a TTL window, with a hard cap on tracked entries.
// Safe for concurrent use.
type DedupeCache struct {
	mu         sync.Mutex
	entries    map[string]time.Time // key → expiry
	ttl        time.Duration
	maxEntries int
}

// NewDedupeCache creates a cache with the given retention window and entry
// cap.
func NewDedupeCache(ttl time.Duration, maxEntries int) *DedupeCache {
	return &DedupeCache{
		entries:    make(map[string]time.Time),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// IsDuplicate records the key and reports whether it was already seen
// within the TTL window.
func (c *DedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if exp, ok := c.entries[key]; ok && now.Before(exp) {
		return true
	}

	// Prune expired entries when approaching the cap, then hard-evict.
	if len(c.entries) >= c.maxEntries {
		for k, exp := range c.entries {
			if now.After(exp) {
				delete(c.entries, k)
			}
		}
		for len(c.entries) >= c.maxEntries {
			for k := range c.entries {
				delete(c.entries, k)
				break
			}
		}
	}

	c.entries[key] = now.Add(c.ttl)
	return false
}
