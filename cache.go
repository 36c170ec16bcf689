package prism

import (
	"context"
	"strconv"
	"time"
)

// Cache is the interface for caching query responses.
// Users should implement this interface with their preferred caching solution
// (e.g., Redis, Memcached, in-memory). cache.Memory is an in-process
// implementation.
type Cache interface {
	// Get retrieves a value from the cache.
	// Returns nil, nil if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with an optional TTL.
	// If ttl is 0, the value should not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes all values with the given prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Clear removes all values from the cache.
	Clear(ctx context.Context) error
}

// CacheKey identifies a cached response.
type CacheKey struct {
	Model     string
	Operation string
	// Statement is the composed SQL (or document) text.
	Statement string
	// ArgsHash is a hash of the bound parameters.
	ArgsHash uint64
}

// Prefix returns the key prefix shared by every response of a model.
// Writes to the model invalidate by this prefix.
func (k CacheKey) Prefix() string {
	return "prism:" + k.Model + ":"
}

// String returns the string representation of the cache key.
func (k CacheKey) String() string {
	return k.Prefix() + k.Operation + ":" + strconv.FormatUint(k.ArgsHash, 16) + ":" + k.Statement
}
