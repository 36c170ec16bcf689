package tenant

import (
	"hash/fnv"
	"sync"
	"time"
)

type cacheEntry struct {
	tc      *Context
	expires time.Time
}

type shard struct {
	mu    sync.Mutex
	items map[string]cacheEntry
}

// Cache is a sharded TTL cache of resolved tenants. Each shard has its
// own lock and holds at most its share of the capacity.
type Cache struct {
	shards   []*shard
	perShard int
	ttl      time.Duration
	now      func() time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheClock sets the time source. Used in tests.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// NewCache returns a cache with n shards holding up to capacity entries
// for ttl each. A zero ttl keeps entries until evicted.
func NewCache(n, capacity int, ttl time.Duration, opts ...CacheOption) *Cache {
	n = max(n, 1)
	c := &Cache{
		shards:   make([]*shard, n),
		perShard: max(capacity/n, 1),
		ttl:      ttl,
		now:      time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]cacheEntry)}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) shard(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the cached tenant id.
func (c *Cache) Get(id string) (*Context, bool) {
	s := c.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(s.items, id)
		return nil, false
	}
	return e.tc, true
}

// Set caches tc under id. A full shard drops its entry closest to expiry.
func (c *Cache) Set(id string, tc *Context) {
	s := c.shard(id)
	e := cacheEntry{tc: tc}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok && len(s.items) >= c.perShard {
		var (
			victim string
			first  = true
			at     time.Time
		)
		for k, v := range s.items {
			if first || v.expires.Before(at) || v.expires.Equal(at) && k < victim {
				victim, at, first = k, v.expires, false
			}
		}
		delete(s.items, victim)
	}
	s.items[id] = e
}

// Delete removes id.
func (c *Cache) Delete(id string) {
	s := c.shard(id)
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
}

// Len returns the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// Clear removes every entry.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		clear(s.items)
		s.mu.Unlock()
	}
}
