package tenant

import (
	"container/list"
	"sync"
)

// StmtMode selects how statement caches are shared.
type StmtMode uint8

const (
	// PerTenant gives every tenant its own cache.
	PerTenant StmtMode = iota
	// Global shares one cache across tenants. Use it when cached entries
	// do not depend on the tenant, as with parameterized scoping.
	Global
)

type stmtEntry[V any] struct {
	key string
	val V
}

type lru[V any] struct {
	ll    *list.List
	items map[string]*list.Element
}

// StmtCache is a bounded LRU of statement handles keyed by SQL text. It is
// safe for concurrent use.
type StmtCache[V any] struct {
	mode     StmtMode
	capacity int
	onEvict  func(V)

	mu     sync.Mutex
	caches map[string]*lru[V]
}

// NewStmtCache returns a cache holding up to capacity statements per
// tenant, or in total in Global mode. onEvict, when not nil, is called
// with evicted handles.
func NewStmtCache[V any](mode StmtMode, capacity int, onEvict func(V)) *StmtCache[V] {
	return &StmtCache[V]{
		mode:     mode,
		capacity: max(capacity, 1),
		onEvict:  onEvict,
		caches:   make(map[string]*lru[V]),
	}
}

func (c *StmtCache[V]) owner(tenant string) string {
	if c.mode == Global {
		return ""
	}
	return tenant
}

// Get returns the handle cached for sql.
func (c *StmtCache[V]) Get(tenant, sql string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	l, ok := c.caches[c.owner(tenant)]
	if !ok {
		return zero, false
	}
	e, ok := l.items[sql]
	if !ok {
		return zero, false
	}
	l.ll.MoveToFront(e)
	return e.Value.(*stmtEntry[V]).val, true
}

// Put caches v for sql, evicting the least recently used handle when
// full.
func (c *StmtCache[V]) Put(tenant, sql string, v V) {
	c.mu.Lock()
	var evicted []V
	owner := c.owner(tenant)
	l, ok := c.caches[owner]
	if !ok {
		l = &lru[V]{ll: list.New(), items: make(map[string]*list.Element)}
		c.caches[owner] = l
	}
	if e, ok := l.items[sql]; ok {
		ent := e.Value.(*stmtEntry[V])
		if c.onEvict != nil {
			evicted = append(evicted, ent.val)
		}
		ent.val = v
		l.ll.MoveToFront(e)
	} else {
		l.items[sql] = l.ll.PushFront(&stmtEntry[V]{key: sql, val: v})
		for l.ll.Len() > c.capacity {
			last := l.ll.Back()
			ent := l.ll.Remove(last).(*stmtEntry[V])
			delete(l.items, ent.key)
			evicted = append(evicted, ent.val)
		}
	}
	c.mu.Unlock()
	if c.onEvict != nil {
		for _, v := range evicted {
			c.onEvict(v)
		}
	}
}

// Len returns the number of handles cached for tenant.
func (c *StmtCache[V]) Len(tenant string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.caches[c.owner(tenant)]; ok {
		return l.ll.Len()
	}
	return 0
}

// Drop removes every handle of tenant.
func (c *StmtCache[V]) Drop(tenant string) {
	c.mu.Lock()
	l, ok := c.caches[c.owner(tenant)]
	delete(c.caches, c.owner(tenant))
	c.mu.Unlock()
	if ok && c.onEvict != nil {
		for e := l.ll.Front(); e != nil; e = e.Next() {
			c.onEvict(e.Value.(*stmtEntry[V]).val)
		}
	}
}
