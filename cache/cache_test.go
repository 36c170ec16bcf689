package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryCacheGetPut(t *testing.T) {
	c := NewQueryCache(4)
	_, ok := c.Get(SelectByIDKey("users"))
	assert.False(t, ok)

	c.Put(SelectByIDKey("users"), Entry{SQL: "SELECT * FROM users WHERE id = $1 LIMIT 1", Arity: 1})
	e, ok := c.Get(SelectByIDKey("users"))
	require.True(t, ok)
	assert.Equal(t, 1, e.Arity)

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, uint64(1), s.Insertions)
	assert.Equal(t, 1, s.Size)
	assert.Equal(t, 4, s.Capacity)
	assert.InDelta(t, 0.5, s.HitRate(), 1e-9)
}

func TestQueryCacheEvictsLowestQuartile(t *testing.T) {
	c := NewQueryCache(8)
	for i := range 8 {
		c.Put(InsertKey("t", i), Entry{SQL: fmt.Sprint(i)})
	}
	// Keys 0 and 1 are never read.
	for i := 2; i < 8; i++ {
		for range i {
			_, ok := c.Get(InsertKey("t", i))
			require.True(t, ok)
		}
	}
	c.Put(InsertKey("t", 99), Entry{SQL: "new"})
	assert.Equal(t, 7, c.Len())
	_, ok := c.Get(InsertKey("t", 0))
	assert.False(t, ok)
	_, ok = c.Get(InsertKey("t", 1))
	assert.False(t, ok)
	_, ok = c.Get(InsertKey("t", 99))
	assert.True(t, ok)
	assert.Equal(t, uint64(2), c.Stats().Evictions)
}

func TestQueryCacheEvictsAtLeastOne(t *testing.T) {
	c := NewQueryCache(2)
	c.Put("a", Entry{})
	c.Put("b", Entry{})
	c.Put("a", Entry{SQL: "replaced"})
	assert.Equal(t, 2, c.Len())
	c.Put("c", Entry{})
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestQueryCacheGetOrCompute(t *testing.T) {
	c := NewQueryCache(0)
	assert.Equal(t, DefaultCapacity, c.Stats().Capacity)

	calls := 0
	compute := func() (Entry, error) {
		calls++
		return Entry{SQL: "SELECT COUNT(*) FROM users", Arity: 0}, nil
	}
	for range 3 {
		e, err := c.GetOrCompute(CountKey("users", 0xabc), compute)
		require.NoError(t, err)
		assert.Equal(t, "SELECT COUNT(*) FROM users", e.SQL)
	}
	assert.Equal(t, 1, calls)

	_, err := c.GetOrCompute("bad", func() (Entry, error) { return Entry{}, errors.New("boom") })
	require.Error(t, err)
	_, ok := c.Get("bad")
	assert.False(t, ok)

	c.Clear()
	assert.Zero(t, c.Len())
}

func TestQueryCacheConcurrent(t *testing.T) {
	c := NewQueryCache(16)
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				key := FindKey("t", uint64(i%32))
				if _, ok := c.Get(key); !ok {
					c.Put(key, Entry{SQL: fmt.Sprint(g, i)})
				}
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 16)
	s := c.Stats()
	assert.Equal(t, uint64(800), s.Hits+s.Misses)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "select_by_id:users", SelectByIDKey("users"))
	assert.Equal(t, "insert:users:3", InsertKey("users", 3))
	assert.Equal(t, "count:users:ff", CountKey("users", 255))
	assert.Equal(t, "find:users:10", FindKey("users", 16))
	assert.Equal(t, "delete:users:1", DeleteKey("users", 1))
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	m := NewMemory(WithClock(func() time.Time { return now }))

	v, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	buf := []byte("v1")
	require.NoError(t, m.Set(ctx, "prism:users:a", buf, time.Minute))
	buf[0] = 'x'
	v, err = m.Get(ctx, "prism:users:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, m.Set(ctx, "prism:users:b", []byte("v2"), 0))
	require.NoError(t, m.Set(ctx, "prism:posts:a", []byte("v3"), time.Second))

	now = now.Add(2 * time.Second)
	v, err = m.Get(ctx, "prism:posts:a")
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, 2, m.Len())

	require.NoError(t, m.DeletePrefix(ctx, "prism:users:"))
	assert.Zero(t, m.Len())

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Second))
	require.NoError(t, m.Set(ctx, "j", []byte("v"), 0))
	now = now.Add(time.Second)
	assert.Equal(t, 1, m.Purge())
	require.NoError(t, m.Delete(ctx, "j"))
	assert.Zero(t, m.Len())

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, m.Clear(ctx))
	assert.Zero(t, m.Len())
}
