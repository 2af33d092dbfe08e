package client

import (
	"sync"
	"time"
)

// idemCache is the bounded, TTL-based set of recently used idempotency keys.
// A TTL-expired entry is treated as absent regardless of capacity pressure;
// capacity eviction removes expired entries first, then oldest-by-insertion.
type idemCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]time.Time // key → insertion time
	order    []string             // insertion order
}

func newIdemCache(ttl time.Duration, capacity int) *idemCache {
	return &idemCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]time.Time),
	}
}

// add records key and reports true, or reports false when the key is already
// present and unexpired. Expired hits are evicted opportunistically and
// treated as misses.
func (c *idemCache) add(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if at, ok := c.entries[key]; ok {
		if now.Sub(at) < c.ttl {
			return false
		}
		c.removeLocked(key)
	}

	c.purgeExpiredLocked(now)
	for len(c.entries) >= c.capacity && len(c.order) > 0 {
		c.removeLocked(c.order[0])
	}

	c.entries[key] = now
	c.order = append(c.order, key)
	return true
}

func (c *idemCache) purgeExpiredLocked(now time.Time) {
	kept := c.order[:0]
	for _, key := range c.order {
		at, ok := c.entries[key]
		if !ok {
			continue
		}
		if now.Sub(at) >= c.ttl {
			delete(c.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
}

func (c *idemCache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// remove forgets key so a later retry is not treated as a duplicate. Used
// when the request carrying the key never reached the wire.
func (c *idemCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

func (c *idemCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// clear drops every entry. Called on client teardown.
func (c *idemCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]time.Time)
	c.order = nil
}
