package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/syssam/prism"
	"github.com/syssam/prism/filter"
	"github.com/syssam/prism/middleware"
)

// DefaultColumn is the tenant column of row-level isolation.
const DefaultColumn = "tenant_id"

// Strategy is the isolation mechanism.
type Strategy uint8

// Isolation strategies.
const (
	// RowLevel scopes statements with a predicate on the tenant column.
	RowLevel Strategy = iota
	// SchemaBased switches the connection schema per tenant.
	SchemaBased
	// DatabaseBased routes statements to a per-tenant database pool.
	DatabaseBased
)

func (s Strategy) String() string {
	switch s {
	case SchemaBased:
		return "schema"
	case DatabaseBased:
		return "database"
	}
	return "row"
}

// ParseStrategy parses "row", "schema" or "database".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.TrimSuffix(strings.ToLower(s), "_level") {
	case "row", "":
		return RowLevel, nil
	case "schema":
		return SchemaBased, nil
	case "database":
		return DatabaseBased, nil
	}
	return 0, prism.Errorf(prism.ConfigError, "unknown tenant strategy %q", s)
}

// Config configures tenant isolation.
type Config struct {
	Strategy Strategy
	// Dialect of the scoped statements.
	Dialect string
	// Column is the tenant column of RowLevel. Default is "tenant_id".
	Column string
	// SchemaFormat and DatabaseFormat derive names from the tenant id
	// with fmt. Default is "tenant_%s".
	SchemaFormat   string
	DatabaseFormat string
	// DefaultTenant is used when no tenant is set.
	DefaultTenant string
	// RequireTenant rejects statements without a tenant.
	RequireTenant bool
	// AllowBypass honors the Bypass flag of a tenant context.
	AllowBypass bool
	// Parameterized binds the tenant id as a parameter in RowLevel.
	Parameterized bool
	// AutoInsert appends the tenant column to INSERT statements.
	AutoInsert bool
	// Tables limits RowLevel to the listed tables. Empty scopes every
	// table not in ExcludeTables.
	Tables        []string
	ExcludeTables []string
	// SessionVar, when set, is set to the tenant id on the connection of
	// every statement, for use by row security policies.
	SessionVar string
	// StmtCacheSize bounds the cache of rewritten statements. Zero uses
	// 256; negative disables it.
	StmtCacheSize int
}

// Option configures an Isolation.
type Option func(*Isolation)

// WithResolver resolves tenant ids before scoping.
func WithResolver(r Resolver) Option {
	return func(i *Isolation) {
		i.resolver = r
	}
}

// WithHandle reads the tenant from h when the request context has none.
func WithHandle(h *Handle) Option {
	return func(i *Isolation) {
		i.handle = h
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(i *Isolation) {
		i.log = l
	}
}

// rewritten is a cached rewrite result.
type rewritten struct {
	sql string
	// arg is set when the rewrite appended the tenant parameter.
	arg bool
}

// Isolation applies a tenant strategy to statements.
type Isolation struct {
	cfg      Config
	rewriter *Rewriter
	resolver Resolver
	handle   *Handle
	stmts    *StmtCache[rewritten]
	log      *slog.Logger
}

// New returns an isolation for cfg.
func New(cfg Config, opts ...Option) *Isolation {
	if cfg.Column == "" {
		cfg.Column = DefaultColumn
	}
	if cfg.SchemaFormat == "" {
		cfg.SchemaFormat = "tenant_%s"
	}
	if cfg.DatabaseFormat == "" {
		cfg.DatabaseFormat = "tenant_%s"
	}
	i := &Isolation{cfg: cfg, log: slog.Default()}
	i.rewriter = &Rewriter{
		Column:        cfg.Column,
		Dialect:       cfg.Dialect,
		Parameterized: cfg.Parameterized,
		AutoInsert:    cfg.AutoInsert,
		Scoped:        i.scoped,
	}
	if cfg.StmtCacheSize >= 0 {
		mode := PerTenant
		if i.rewriter.params() {
			mode = Global
		}
		i.stmts = NewStmtCache[rewritten](mode, orDefault(cfg.StmtCacheSize, 256), nil)
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func orDefault(n, def int) int {
	if n == 0 {
		return def
	}
	return n
}

// Config returns the configuration of i.
func (i *Isolation) Config() Config { return i.cfg }

func (i *Isolation) scoped(table string) bool {
	if slices.ContainsFunc(i.cfg.ExcludeTables, func(t string) bool { return strings.EqualFold(t, table) }) {
		return false
	}
	return len(i.cfg.Tables) == 0 ||
		slices.ContainsFunc(i.cfg.Tables, func(t string) bool { return strings.EqualFold(t, table) })
}

// Current returns the tenant of a statement: the tenant set on q, then
// the one in ctx, then the handle, then the default tenant. It returns
// nil when there is none and a tenant is not required.
func (i *Isolation) Current(ctx context.Context, q *middleware.QueryContext) (*Context, error) {
	var tc *Context
	switch {
	case q != nil && q.Meta.TenantID != "":
		tc = &Context{ID: q.Meta.TenantID}
		if cur, ok := FromContext(ctx); ok && cur.ID == tc.ID && !cur.Bypass {
			tc = cur
		}
	case hasTenant(ctx):
		tc, _ = FromContext(ctx)
	case i.handle != nil && i.handle.Get() != nil:
		tc = i.handle.Get()
	case i.cfg.DefaultTenant != "":
		tc = &Context{ID: i.cfg.DefaultTenant}
	}
	if tc != nil && tc.Bypass {
		if !i.cfg.AllowBypass {
			return nil, prism.New(prism.InvalidParameter, "tenant: bypass is not allowed").
				WithSuggestion("enable allow_bypass for administrative access")
		}
		return tc, nil
	}
	if tc == nil || tc.ID == "" {
		if i.cfg.RequireTenant {
			return nil, prism.ErrTenantMissing.WithSuggestion("scope the context with tenant.WithTenant")
		}
		return nil, nil
	}
	if i.resolver == nil {
		return tc, nil
	}
	resolved, err := i.resolver.Resolve(ctx, tc.ID)
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func hasTenant(ctx context.Context) bool {
	tc, ok := FromContext(ctx)
	return ok && (tc.ID != "" || tc.Bypass)
}

// Middleware returns the wrapper applying the strategy.
func (i *Isolation) Middleware() middleware.Middleware {
	return func(next middleware.Handler) middleware.Handler {
		return middleware.HandlerFunc(func(ctx context.Context, q *middleware.QueryContext) (*middleware.Response, error) {
			if err := i.Apply(ctx, q); err != nil {
				return nil, err
			}
			return next.Handle(ctx, q)
		})
	}
}

// Apply scopes q to the current tenant.
func (i *Isolation) Apply(ctx context.Context, q *middleware.QueryContext) error {
	tc, err := i.Current(ctx, q)
	if err != nil || tc == nil {
		return err
	}
	if tc.Bypass {
		i.log.DebugContext(ctx, "prism: tenant bypass", "sql", q.SQL, "request_id", q.Meta.RequestID)
		return nil
	}
	q.Meta.TenantID = tc.ID
	if i.cfg.SessionVar != "" {
		if q.Meta.SessionVars == nil {
			q.Meta.SessionVars = make(map[string]string)
		}
		q.Meta.SessionVars[i.cfg.SessionVar] = tc.ID
	}
	switch i.cfg.Strategy {
	case SchemaBased:
		q.Meta.Schema = tc.Schema
		if q.Meta.Schema == "" {
			q.Meta.Schema = fmt.Sprintf(i.cfg.SchemaFormat, tc.ID)
		}
	case DatabaseBased:
		q.Meta.Database = tc.Database
		if q.Meta.Database == "" {
			q.Meta.Database = fmt.Sprintf(i.cfg.DatabaseFormat, tc.ID)
		}
	default:
		if q.Type >= middleware.TypeTxBegin {
			return nil
		}
		sql, args, err := i.rewrite(q.SQL, q.Args, tc.ID)
		if err != nil {
			return prism.Wrap(prism.InvalidParameter, err, "tenant rewrite")
		}
		q.SQL, q.Args = sql, args
	}
	return nil
}

func (i *Isolation) rewrite(sql string, args []filter.Value, id string) (string, []filter.Value, error) {
	if i.stmts != nil {
		if r, ok := i.stmts.Get(id, sql); ok {
			if r.arg {
				args = append(slices.Clip(args), filter.String(id))
			}
			return r.sql, args, nil
		}
	}
	out, nargs, err := i.rewriter.Rewrite(sql, args, id)
	if err != nil {
		return "", nil, err
	}
	// Unchanged statements may already carry a predicate for this tenant
	// only, so they are not cached.
	if i.stmts != nil && out != sql {
		i.stmts.Put(id, sql, rewritten{sql: out, arg: len(nargs) > len(args)})
	}
	return out, nargs, nil
}
