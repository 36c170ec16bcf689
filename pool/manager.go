package pool

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
)

// Factory returns the connector for a key, for example a tenant database.
type Factory func(ctx context.Context, key string) (dialect.Connector, error)

// Manager holds one pool per key, created on first use.
type Manager struct {
	factory Factory
	cfg     Config
	opts    []Option

	pools sync.Map // key => *Pool
	mu    sync.Mutex
	done  bool
}

// NewManager returns a manager creating pools with cfg.
func NewManager(factory Factory, cfg Config, opts ...Option) *Manager {
	return &Manager{factory: factory, cfg: cfg, opts: opts}
}

// Get returns the pool of key, creating it when absent.
func (m *Manager) Get(ctx context.Context, key string) (*Pool, error) {
	if p, ok := m.pools.Load(key); ok {
		return p.(*Pool), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return nil, prism.New(prism.ConnectionLost, "pool manager is closed")
	}
	if p, ok := m.pools.Load(key); ok {
		return p.(*Pool), nil
	}
	connector, err := m.factory(ctx, key)
	if err != nil {
		return nil, err
	}
	p, err := New(ctx, connector, m.cfg, m.opts...)
	if err != nil {
		return nil, err
	}
	m.pools.Store(key, p)
	p.log.Debug("prism: pool created", "key", key, "dialect", p.Dialect())
	return p, nil
}

// Acquire acquires a connection from the pool of key.
func (m *Manager) Acquire(ctx context.Context, key string) (*Conn, error) {
	p, err := m.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Keys returns the keys of the open pools, sorted.
func (m *Manager) Keys() []string {
	var keys []string
	m.pools.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

// Status returns the status of every open pool.
func (m *Manager) Status() map[string]Status {
	st := make(map[string]Status)
	m.pools.Range(func(k, v any) bool {
		st[k.(string)] = v.(*Pool).Status()
		return true
	})
	return st
}

// Remove closes and forgets the pool of key.
func (m *Manager) Remove(key string) error {
	m.mu.Lock()
	p, ok := m.pools.LoadAndDelete(key)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return p.(*Pool).Close()
}

// Close closes every pool. Get fails afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.done = true
	m.mu.Unlock()
	var errs []error
	m.pools.Range(func(k, v any) bool {
		m.pools.Delete(k)
		errs = append(errs, v.(*Pool).Close())
		return true
	})
	return errors.Join(errs...)
}
