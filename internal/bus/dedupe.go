package bus

import (
	"container/list"
	"sync"
	"time"
)

// DedupeCache remembers recently-seen inbound message keys so webhook
// retries and client double-sends do not trigger duplicate agent runs.
// Entries expire after the TTL; when the cache exceeds maxEntries the
// oldest entries are evicted first.
type DedupeCache struct {
	ttl        time.Duration
	maxEntries int

	mu    sync.Mutex
	seen  map[string]*list.Element
	order *list.List // front = oldest
	now   func() time.Time
}

type dedupeEntry struct {
	key     string
	addedAt time.Time
}

// NewDedupeCache creates a cache with the given TTL and size bound.
func NewDedupeCache(ttl time.Duration, maxEntries int) *DedupeCache {
	return &DedupeCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		seen:       make(map[string]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}
}

// IsDuplicate records the key and reports whether it was already present
// and unexpired. A duplicate does not refresh the original entry's TTL.
func (c *DedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evictExpired(now)

	if _, ok := c.seen[key]; ok {
		return true
	}

	el := c.order.PushBack(&dedupeEntry{key: key, addedAt: now})
	c.seen[key] = el
	for len(c.seen) > c.maxEntries {
		c.evictOldest()
	}
	return false
}

// Len reports the number of live entries.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpired(c.now())
	return len(c.seen)
}

func (c *DedupeCache) evictExpired(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*dedupeEntry)
		if now.Sub(entry.addedAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, entry.key)
	}
}

func (c *DedupeCache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*dedupeEntry)
	c.order.Remove(front)
	delete(c.seen, entry.key)
}
