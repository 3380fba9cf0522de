package dispatch

import "sync"

// dedupCache remembers the most recent keys in insertion order. A
// fixed-size ring backs the set, so the memory ceiling holds no matter
// how long the process runs: inserting into a full cache evicts the
// oldest key from both structures.
type dedupCache struct {
	mu    sync.Mutex
	slots []string
	next  int
	full  bool
	seen  map[string]struct{}
}

func newDedupCache(capacity int) *dedupCache {
	if capacity < 1 {
		capacity = 1
	}
	return &dedupCache{
		slots: make([]string, capacity),
		seen:  make(map[string]struct{}, capacity),
	}
}

// Seen records key and reports whether it was already present.
func (c *dedupCache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[key]; ok {
		return true
	}
	if c.full {
		delete(c.seen, c.slots[c.next])
	}
	c.slots[c.next] = key
	c.seen[key] = struct{}{}
	c.next++
	if c.next == len(c.slots) {
		c.next = 0
		c.full = true
	}
	return false
}

// Len returns the number of keys currently tracked.
func (c *dedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
