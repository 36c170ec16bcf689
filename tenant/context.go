package tenant

import (
	"context"
	"maps"
	"sync/atomic"
)

// Context identifies the tenant a statement runs for.
type Context struct {
	ID string
	// Bypass disables scoping for administrative statements. It is
	// honored only when the isolation allows bypass.
	Bypass bool
	// Schema and Database override the names derived from ID.
	Schema   string
	Database string
	Metadata map[string]string
}

// Clone returns a copy of c.
func (c *Context) Clone() *Context {
	n := *c
	n.Metadata = maps.Clone(c.Metadata)
	return &n
}

type ctxKey struct{}

// NewContext returns a new context carrying tc. Statements executed with
// the returned context run for tc until it goes out of scope.
func NewContext(parent context.Context, tc *Context) context.Context {
	return context.WithValue(parent, ctxKey{}, tc)
}

// WithTenant returns a new context scoped to tenant id.
func WithTenant(parent context.Context, id string) context.Context {
	return NewContext(parent, &Context{ID: id})
}

// WithBypass returns a new context whose statements are not scoped.
func WithBypass(parent context.Context) context.Context {
	tc := &Context{Bypass: true}
	if cur, ok := FromContext(parent); ok {
		tc = cur.Clone()
		tc.Bypass = true
	}
	return NewContext(parent, tc)
}

// FromContext returns the tenant stored in ctx.
func FromContext(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(*Context)
	return tc, ok && tc != nil
}

// Run calls fn with ctx scoped to tenant id.
func Run(ctx context.Context, id string, fn func(context.Context) error) error {
	return fn(WithTenant(ctx, id))
}

// Handle stores a tenant outside of the request context, for frameworks
// that do not propagate context values. It is safe for concurrent use.
type Handle struct {
	v atomic.Pointer[Context]
}

// Set sets the current tenant.
func (h *Handle) Set(tc *Context) { h.v.Store(tc) }

// Get returns the current tenant, or nil.
func (h *Handle) Get() *Context { return h.v.Load() }

// Clear removes the current tenant.
func (h *Handle) Clear() { h.v.Store(nil) }
