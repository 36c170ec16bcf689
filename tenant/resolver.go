package tenant

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/pool"
)

// Resolver maps a tenant id to its context.
type Resolver interface {
	Resolve(ctx context.Context, id string) (*Context, error)
}

// The ResolverFunc type is an adapter to allow the use of ordinary
// functions as Resolver.
type ResolverFunc func(context.Context, string) (*Context, error)

// Resolve calls f(ctx, id).
func (f ResolverFunc) Resolve(ctx context.Context, id string) (*Context, error) {
	return f(ctx, id)
}

func notFound(id string) error {
	return prism.ErrTenantNotFound.With("tenant_id", id).
		WithSuggestion("register the tenant or check the tenant id")
}

// StaticResolver resolves tenants from a fixed map.
type StaticResolver map[string]*Context

// Resolve implements Resolver.
func (s StaticResolver) Resolve(_ context.Context, id string) (*Context, error) {
	tc, ok := s[id]
	if !ok {
		return nil, notFound(id)
	}
	tc = tc.Clone()
	if tc.ID == "" {
		tc.ID = id
	}
	return tc, nil
}

// CompositeResolver tries each resolver in order and returns the first
// tenant found. Errors other than TenantNotFound stop the search.
type CompositeResolver []Resolver

// Resolve implements Resolver.
func (c CompositeResolver) Resolve(ctx context.Context, id string) (*Context, error) {
	for _, r := range c {
		tc, err := r.Resolve(ctx, id)
		if err == nil {
			return tc, nil
		}
		if prism.CodeOf(err) != prism.TenantNotFound {
			return nil, err
		}
	}
	return nil, notFound(id)
}

// Acquirer hands out pooled connections. *pool.Pool implements it.
type Acquirer interface {
	Acquire(context.Context) (*pool.Conn, error)
}

// QueryResolver looks tenants up with a query taking the tenant id as
// its only parameter. The columns "schema" and "database" fill the
// matching fields; other columns are copied to Metadata.
//
//	tenant.QueryResolver{
//	    Pool:  p,
//	    Query: "SELECT schema_name AS schema FROM tenants WHERE id = $1",
//	}
type QueryResolver struct {
	Pool  Acquirer
	Query string
}

// Resolve implements Resolver.
func (q QueryResolver) Resolve(ctx context.Context, id string) (*Context, error) {
	conn, err := q.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()
	var rows dialect.Rows
	if err := conn.Query(ctx, q.Query, []any{id}, &rows); err != nil {
		return nil, err
	}
	if rows.Len() == 0 {
		return nil, notFound(id)
	}
	tc := &Context{ID: id}
	for k, v := range rows.Records[0] {
		if v == nil {
			continue
		}
		s := text(v)
		switch k {
		case "id":
		case "schema":
			tc.Schema = s
		case "database":
			tc.Database = s
		default:
			if tc.Metadata == nil {
				tc.Metadata = make(map[string]string)
			}
			tc.Metadata[k] = s
		}
	}
	return tc, nil
}

func text(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

// CachedResolver caches the tenants found by a resolver. Concurrent
// lookups of the same id share one call.
type CachedResolver struct {
	resolver Resolver
	cache    *Cache
	group    singleflight.Group
}

// Cached wraps r with cache c.
func Cached(r Resolver, c *Cache) *CachedResolver {
	return &CachedResolver{resolver: r, cache: c}
}

// NewDatabaseResolver returns a QueryResolver over p cached for ttl in a
// 16-shard cache of up to 4096 tenants.
func NewDatabaseResolver(p Acquirer, query string, ttl time.Duration) *CachedResolver {
	return Cached(QueryResolver{Pool: p, Query: query}, NewCache(16, 4096, ttl))
}

// Resolve implements Resolver.
func (c *CachedResolver) Resolve(ctx context.Context, id string) (*Context, error) {
	if tc, ok := c.cache.Get(id); ok {
		return tc, nil
	}
	v, err, _ := c.group.Do(id, func() (any, error) {
		tc, err := c.resolver.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		c.cache.Set(id, tc)
		return tc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Context), nil
}

// Invalidate drops the cached tenant id.
func (c *CachedResolver) Invalidate(id string) {
	c.cache.Delete(id)
}
