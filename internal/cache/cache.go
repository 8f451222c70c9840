// Package cache implements the read-through cache the dispatcher consults
// ahead of both replication paths: a TTL-bounded, size-bounded map evicting
// by oldest insertion time on overflow.
package cache

import (
	"sync"
	"time"
)

const defaultCapacity = 1000

type entry struct {
	value    string
	storedAt uint64
}

// Cache is the key -> (value, stored_at) map described above.
//
// Thread-safe: a single mutex guards the map.
type Cache struct {
	mu       sync.Mutex
	data     map[string]entry
	ttlUs    uint64
	capacity int
}

// New returns an empty cache with the given TTL and the default 1000-entry
// capacity.
func New(ttl time.Duration) *Cache {
	return &Cache{
		data:     make(map[string]entry),
		ttlUs:    uint64(ttl.Microseconds()),
		capacity: defaultCapacity,
	}
}

// SetTTL adjusts the freshness window applied to future TryRead calls.
func (c *Cache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttlUs = uint64(ttl.Microseconds())
}

// TryRead returns the cached value if present and fresher than the TTL. A
// stale hit is evicted on the spot and reported as a miss.
func (c *Cache) TryRead(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok {
		return "", false
	}
	if nowMicros()-e.storedAt < c.ttlUs {
		return e.value, true
	}
	delete(c.data, key)
	return "", false
}

// Update inserts or replaces key's cached value, stamping stored_at to
// now. If the cache exceeds its capacity, the entry with the smallest
// stored_at is evicted — never an LRU eviction.
func (c *Cache) Update(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = entry{value: value, storedAt: nowMicros()}

	if len(c.data) > c.capacity {
		var oldestKey string
		var oldestAt uint64
		first := true
		for k, e := range c.data {
			if first || e.storedAt < oldestAt {
				oldestKey, oldestAt, first = k, e.storedAt, false
			}
		}
		delete(c.data, oldestKey)
	}
}

// Invalidate erases key if present. Called by every write-path entry
// point before dispatch.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}
