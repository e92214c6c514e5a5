// Package preparedcache implements a per-connection LRU of prepared
// statements as an explicit doubly-linked list keyed by SQL
// fingerprint, storing a live driver statement handle per entry.
package preparedcache

import (
	"sync"

	"github.com/odbcx/engine/internal/odbcenv"
)

// Entry is one cached prepared statement.
type Entry struct {
	Fingerprint string
	StmtID      int64
	Handle      odbcenv.Stmt

	prev, next *Entry
}

// Stats tracks cumulative prepared-statement hits/misses/evictions.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// Cache is a single connection's prepared-statement LRU. Capacity is
// configurable; eviction always closes the evicted driver handle
// before dropping the entry.
type Cache struct {
	capacity int

	mu       sync.Mutex
	byFinger map[string]*Entry
	head     *Entry // most recently used
	tail     *Entry // least recently used
	stats    Stats
}

// New creates a Cache with the given capacity. Capacity <= 0 is
// treated as 1 so the invariant cache.size <= capacity always holds.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{capacity: capacity, byFinger: map[string]*Entry{}}
}

// Lookup returns the cached entry for fingerprint, promoting it to
// most-recently-used on a hit.
func (c *Cache) Lookup(fingerprint string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byFinger[fingerprint]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.moveToFront(e)
	c.stats.Hits++
	return e, true
}

// Insert adds a newly prepared statement, evicting the least recently
// used entry (closing its driver handle) if the cache is over
// capacity.
func (c *Cache) Insert(fingerprint string, stmtID int64, handle odbcenv.Stmt) *Entry {
	c.mu.Lock()
	e := &Entry{Fingerprint: fingerprint, StmtID: stmtID, Handle: handle}
	c.byFinger[fingerprint] = e
	c.addToFront(e)

	var evicted *Entry
	if len(c.byFinger) > c.capacity {
		evicted = c.evictLocked()
	}
	c.mu.Unlock()

	if evicted != nil {
		evicted.Handle.Close()
	}
	return e
}

// Remove deletes and closes a single entry by fingerprint, used when a
// connection observes a connection-lost error.
func (c *Cache) Remove(fingerprint string) {
	c.mu.Lock()
	e, ok := c.byFinger[fingerprint]
	if ok {
		delete(c.byFinger, fingerprint)
		c.unlink(e)
	}
	c.mu.Unlock()
	if ok {
		e.Handle.Close()
	}
}

// Clear closes every cached handle and empties the cache (used on
// disconnect).
func (c *Cache) Clear() {
	c.mu.Lock()
	entries := make([]*Entry, 0, len(c.byFinger))
	for _, e := range c.byFinger {
		entries = append(entries, e)
	}
	c.byFinger = map[string]*Entry{}
	c.head, c.tail = nil, nil
	c.mu.Unlock()

	for _, e := range entries {
		e.Handle.Close()
	}
}

// FindByStmtID returns the entry whose StmtID matches, without
// affecting LRU order. The cache is keyed by fingerprint so this is a
// linear scan bounded by capacity, used only on the execute_prepared
// path where callers already hold a stmt id from Insert.
func (c *Cache) FindByStmtID(stmtID int64) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.head; e != nil; e = e.next {
		if e.StmtID == stmtID {
			return e
		}
	}
	return nil
}

// Size returns the current number of cached entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byFinger)
}

// Stats returns a snapshot of hit/miss/eviction counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cache) moveToFront(e *Entry) {
	c.unlink(e)
	c.addToFront(e)
}

func (c *Cache) addToFront(e *Entry) {
	e.prev, e.next = nil, nil
	if c.head == nil {
		c.head, c.tail = e, e
		return
	}
	e.next = c.head
	c.head.prev = e
	c.head = e
}

func (c *Cache) unlink(e *Entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if c.head == e {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if c.tail == e {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

// evictLocked removes and returns the least recently used entry. The
// caller is responsible for closing its driver handle, so this runs
// without holding the mutex during the (potentially slow) Close call.
func (c *Cache) evictLocked() *Entry {
	lru := c.tail
	if lru == nil {
		return nil
	}
	delete(c.byFinger, lru.Fingerprint)
	c.unlink(lru)
	c.stats.Evictions++
	return lru
}
