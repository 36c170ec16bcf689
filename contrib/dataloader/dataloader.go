// Package dataloader batches the loading of related records.
//
// A Loader is created for a known set of keys, typically the keys of the
// parent records of one query. Nothing is read until the first Load; that
// call loads every key with one batch call and later calls read its
// result:
//
//	l := dataloader.NewLoader(authorIDs, func(ctx context.Context, ids []int64) ([][]User, error) {
//	    users, err := fetchUsers(ctx, ids)
//	    if err != nil {
//	        return nil, err
//	    }
//	    groups := dataloader.GroupByKey(users, func(u User) int64 { return u.ID })
//	    return dataloader.OrderGroupsByKeys(ids, groups), nil
//	})
//	author, err := l.LoadOne(ctx, post.AuthorID)
package dataloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a key has no value or is not part of the
// key set of a loader.
var ErrNotFound = errors.New("dataloader: entity not found")

// KeyFunc extracts a key from an entity.
type KeyFunc[K comparable, V any] func(V) K

// BatchFunc loads the values of keys. It returns one group of values per
// key, in key order.
type BatchFunc[K comparable, V any] func(ctx context.Context, keys []K) ([][]V, error)

// GroupByKey groups entities by a key function, keeping their order
// within each group. Useful for one-to-many relationships where multiple
// entities share the same foreign key.
func GroupByKey[K comparable, V any](values []V, keyFn KeyFunc[K, V]) map[K][]V {
	result := make(map[K][]V)
	for _, v := range values {
		key := keyFn(v)
		result[key] = append(result[key], v)
	}
	return result
}

// OrderGroupsByKeys reorders grouped entities to match the order of
// requested keys. Keys without a group get a nil slice.
func OrderGroupsByKeys[K comparable, V any](keys []K, groups map[K][]V) [][]V {
	result := make([][]V, len(keys))
	for i, key := range keys {
		result[i] = groups[key]
	}
	return result
}

// Loader loads the values of a fixed key set with a single batch call.
// It is safe for concurrent use. A failed batch is retried by the next
// Load.
type Loader[K comparable, V any] struct {
	keys  []K
	index map[K]int
	batch BatchFunc[K, V]

	mu      sync.Mutex
	results [][]V
	calls   int
}

// NewLoader returns a loader of keys. Duplicate keys are loaded once.
func NewLoader[K comparable, V any](keys []K, batch BatchFunc[K, V]) *Loader[K, V] {
	l := &Loader[K, V]{index: make(map[K]int, len(keys)), batch: batch}
	for _, k := range keys {
		if _, ok := l.index[k]; ok {
			continue
		}
		l.index[k] = len(l.keys)
		l.keys = append(l.keys, k)
	}
	return l
}

// Keys returns the distinct keys of the loader, in first seen order.
func (l *Loader[K, V]) Keys() []K { return l.keys }

// Load returns the values of key, running the batch on first use.
func (l *Loader[K, V]) Load(ctx context.Context, key K) ([]V, error) {
	i, ok := l.index[key]
	if !ok {
		return nil, ErrNotFound
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.results == nil {
		l.calls++
		res, err := l.batch(ctx, l.keys)
		if err != nil {
			return nil, err
		}
		if len(res) != len(l.keys) {
			return nil, fmt.Errorf("dataloader: batch returned %d groups for %d keys", len(res), len(l.keys))
		}
		l.results = res
	}
	return l.results[i], nil
}

// LoadOne returns the first value of key, or ErrNotFound.
func (l *Loader[K, V]) LoadOne(ctx context.Context, key K) (V, error) {
	var zero V
	vs, err := l.Load(ctx, key)
	if err != nil {
		return zero, err
	}
	if len(vs) == 0 {
		return zero, ErrNotFound
	}
	return vs[0], nil
}

// Loaded reports whether the batch has run successfully.
func (l *Loader[K, V]) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.results != nil
}

// Calls returns the number of batch calls made.
func (l *Loader[K, V]) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}
