package cache

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the capacity of a QueryCache created with a
// non-positive capacity.
const DefaultCapacity = 1024

// Entry is a composed statement and the number of parameters it binds.
type Entry struct {
	SQL   string
	Arity int
}

type entry struct {
	Entry
	hits atomic.Uint64
}

// Stats holds query cache counters.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Insertions uint64
	Size       int
	Capacity   int
}

// HitRate returns the fraction of lookups served from the cache.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// QueryCache is a bounded fingerprint to statement cache. When full, the
// quartile of entries with the fewest hits is evicted. It is safe for
// concurrent use; lookups only take the read lock.
type QueryCache struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	capacity int

	statsMu sync.Mutex
	stats   Stats
}

// NewQueryCache returns a cache holding at most capacity entries.
func NewQueryCache(capacity int) *QueryCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &QueryCache{
		entries:  make(map[string]*entry, capacity),
		capacity: capacity,
	}
}

// Get returns the entry stored under key.
func (c *QueryCache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	if ok {
		e.hits.Add(1)
	}
	c.mu.RUnlock()
	c.statsMu.Lock()
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	c.statsMu.Unlock()
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// Put stores e under key, evicting the least used quartile first if the
// cache is full.
func (c *QueryCache) Put(key string, e Entry) {
	c.mu.Lock()
	var evicted int
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.capacity {
		evicted = c.evictLocked()
	}
	c.entries[key] = &entry{Entry: e}
	c.mu.Unlock()
	c.statsMu.Lock()
	c.stats.Insertions++
	c.stats.Evictions += uint64(evicted)
	c.statsMu.Unlock()
}

// GetOrCompute returns the entry stored under key, computing and storing
// it on a miss. Errors from compute are returned and nothing is stored.
func (c *QueryCache) GetOrCompute(key string, compute func() (Entry, error)) (Entry, error) {
	if e, ok := c.Get(key); ok {
		return e, nil
	}
	e, err := compute()
	if err != nil {
		return Entry{}, err
	}
	c.Put(key, e)
	return e, nil
}

// evictLocked removes the quartile of entries with the fewest hits, and at
// least one entry. Ties are broken by key to keep eviction deterministic.
func (c *QueryCache) evictLocked() int {
	type candidate struct {
		key  string
		hits uint64
	}
	all := make([]candidate, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, candidate{key: k, hits: e.hits.Load()})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].hits != all[j].hits {
			return all[i].hits < all[j].hits
		}
		return all[i].key < all[j].key
	})
	n := max(len(all)/4, 1)
	for _, cand := range all[:n] {
		delete(c.entries, cand.key)
	}
	return n
}

// Len returns the number of cached entries.
func (c *QueryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes all entries. Counters are kept.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry, c.capacity)
	c.mu.Unlock()
}

// Stats returns a snapshot of the cache counters.
func (c *QueryCache) Stats() Stats {
	n := c.Len()
	c.statsMu.Lock()
	s := c.stats
	c.statsMu.Unlock()
	s.Size = n
	s.Capacity = c.capacity
	return s
}

// SelectByIDKey is the fingerprint of a primary key lookup.
func SelectByIDKey(table string) string {
	return "select_by_id:" + table
}

// InsertKey is the fingerprint of a single row insert of n columns.
func InsertKey(table string, n int) string {
	return "insert:" + table + ":" + strconv.Itoa(n)
}

// CountKey is the fingerprint of a count with a filter of the given shape.
func CountKey(table string, shape uint64) string {
	return "count:" + table + ":" + strconv.FormatUint(shape, 16)
}

// FindKey is the fingerprint of a find query of the given shape.
func FindKey(table string, shape uint64) string {
	return "find:" + table + ":" + strconv.FormatUint(shape, 16)
}

// DeleteKey is the fingerprint of a delete with a filter of the given shape.
func DeleteKey(table string, shape uint64) string {
	return "delete:" + table + ":" + strconv.FormatUint(shape, 16)
}
