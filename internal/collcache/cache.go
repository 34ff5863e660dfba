package collcache

import (
	"sync"
	"time"
)

type entry struct {
	id string
	ts time.Time
}

// Cache keeps a fixed-size set of collection ids recently confirmed to exist
// in the store. It memoizes the best-effort existence probe the ingest
// pipeline runs before writing an item, so a batch of items in one collection
// costs one probe, not one per item.
type Cache struct {
	mu       sync.Mutex
	items    map[string]time.Time
	order    []entry
	capacity int
	ttl      time.Duration
}

// New creates a cache with the provided capacity and ttl.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		items:    make(map[string]time.Time, capacity),
		order:    make([]entry, 0, capacity),
		capacity: capacity,
		ttl:      ttl,
	}
}

// IsKnown returns true when the collection id was confirmed inside the ttl
// window. A false result means "probe again", not "missing".
func (c *Cache) IsKnown(id string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if ts, ok := c.items[id]; ok {
		if now.Sub(ts) <= c.ttl {
			return true
		}
	}
	return false
}

// MarkKnown records that a collection was confirmed to exist.
func (c *Cache) MarkKnown(id string) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[id] = now
	c.order = append(c.order, entry{id: id, ts: now})
	c.compact(now)
}

func (c *Cache) compact(now time.Time) {
	cutoff := now.Add(-c.ttl)

	for len(c.order) > 0 && (len(c.items) > c.capacity || c.order[0].ts.Before(cutoff)) {
		oldest := c.order[0]
		c.order = c.order[1:]

		if ts, ok := c.items[oldest.id]; ok {
			if ts == oldest.ts {
				delete(c.items, oldest.id)
			}
		}
	}
}
