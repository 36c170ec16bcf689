package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/syssam/prism"
)

type item struct {
	data    []byte
	expires time.Time
}

func (i *item) expired(now time.Time) bool {
	return !i.expires.IsZero() && !now.Before(i.expires)
}

// Memory is an in-memory prism.Cache. Expired items are dropped lazily on
// access and by Purge.
type Memory struct {
	mu    sync.RWMutex
	items map[string]*item
	now   func() time.Time
}

var _ prism.Cache = (*Memory)(nil)

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithClock sets the time source. Used in tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory returns an empty in-memory cache.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		items: make(map[string]*item),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns a copy of the value stored under key, or nil if it is
// missing or expired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	it := m.items[key]
	m.mu.RUnlock()
	if it == nil {
		return nil, nil
	}
	if it.expired(m.now()) {
		m.mu.Lock()
		if cur := m.items[key]; cur == it {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return nil, nil
	}
	return append([]byte(nil), it.data...), nil
}

// Set stores value under key. A zero ttl never expires.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	it := &item{data: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = it
	m.mu.Unlock()
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (m *Memory) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			delete(m.items, k)
		}
	}
	m.mu.Unlock()
	return nil
}

// Clear removes all keys.
func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	m.items = make(map[string]*item)
	m.mu.Unlock()
	return nil
}

// Purge removes expired items and returns how many were removed.
func (m *Memory) Purge() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for k, it := range m.items {
		if it.expired(now) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored items, including expired ones not yet
// purged.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
