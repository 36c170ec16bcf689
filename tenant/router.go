package tenant

import (
	"context"

	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/pool"
)

// Router hands out connections of per-tenant databases, creating one
// pool per database on first use.
type Router struct {
	*pool.Manager
}

// NewRouter returns a router dialing databases with connect.
func NewRouter(connect func(ctx context.Context, database string) (dialect.Connector, error), cfg pool.Config, opts ...pool.Option) *Router {
	return &Router{Manager: pool.NewManager(connect, cfg, opts...)}
}

