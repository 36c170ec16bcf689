package engine

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/syssam/prism"
	"github.com/syssam/prism/cache"
	"github.com/syssam/prism/dialect"
	sqlb "github.com/syssam/prism/dialect/sql"
	"github.com/syssam/prism/filter"
	"github.com/syssam/prism/middleware"
	"github.com/syssam/prism/pool"
	"github.com/syssam/prism/schema"
)

// Source hands out connections of one database. *pool.Pool implements it.
type Source interface {
	Acquire(ctx context.Context) (*pool.Conn, error)
	Dialect() string
}

// Router hands out connections of named databases. *pool.Manager and
// *tenant.Router implement it.
type Router interface {
	Acquire(ctx context.Context, database string) (*pool.Conn, error)
}

// Data holds the field values of a write, keyed by field name.
type Data map[string]any

// Client runs operations on the models of a registry.
type Client struct {
	source   Source
	dialect  string
	registry *schema.Registry
	lowerer  Lowerer
	queries  *cache.QueryCache
	chain    middleware.Chain
	router   Router
	strategy LoadStrategy
	maxDepth int
	log      *slog.Logger
	tx       *Tx
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger of the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMiddleware appends wrappers to the statement chain, outermost
// first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.chain = c.chain.Append(mws...) }
}

// WithQueryCache replaces the statement cache. A nil cache disables it.
func WithQueryCache(qc *cache.QueryCache) Option {
	return func(c *Client) { c.queries = qc }
}

// WithLowerer replaces the lowerer of the dialect.
func WithLowerer(l Lowerer) Option {
	return func(c *Client) { c.lowerer = l }
}

// WithRouter routes statements whose metadata names a database, as the
// database-per-tenant strategy does.
func WithRouter(r Router) Option {
	return func(c *Client) { c.router = r }
}

// WithLoadStrategy sets the default relation loading strategy.
func WithLoadStrategy(s LoadStrategy) Option {
	return func(c *Client) { c.strategy = s }
}

// WithMaxDepth bounds the depth of filters.
func WithMaxDepth(n int) Option {
	return func(c *Client) { c.maxDepth = n }
}

// Open returns a client reading the models of registry through source.
func Open(source Source, registry *schema.Registry, opts ...Option) (*Client, error) {
	if source == nil {
		return nil, prism.New(prism.ConfigError, "client requires a connection source")
	}
	if registry == nil {
		registry = schema.NewRegistry()
	}
	c := &Client{
		source:   source,
		dialect:  dialect.Normalize(source.Dialect()),
		registry: registry,
		queries:  cache.NewQueryCache(cache.DefaultCapacity),
		chain:    middleware.NewChain(),
		maxDepth: sqlb.DefaultMaxDepth,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.lowerer == nil {
		switch l, ok := registeredLowerer(c.dialect); {
		case ok:
			c.lowerer = l
		case dialect.IsSQL(c.dialect):
			c.lowerer = NewSQLLowerer(c.dialect, c.queries, c.maxDepth)
		default:
			return nil, prism.Errorf(prism.ConfigError, "no lowerer for dialect %q", c.dialect).
				WithSuggestion("import the driver package of the backend")
		}
	}
	return c, nil
}

// Dialect returns the dialect of the client.
func (c *Client) Dialect() string { return c.dialect }

// Registry returns the model registry.
func (c *Client) Registry() *schema.Registry { return c.registry }

// QueryCache returns the statement cache, or nil.
func (c *Client) QueryCache() *cache.QueryCache { return c.queries }

// Model returns the operations of the named model. An unknown model is
// reported by the terminator of the operation.
func (c *Client) Model(name string) *Model {
	m, err := c.registry.Model(name)
	return &Model{c: c, m: m, err: err}
}

// InTx reports whether the client is bound to a transaction.
func (c *Client) InTx() bool { return c.tx != nil }

// Model holds the operations of one model.
type Model struct {
	c   *Client
	m   *schema.Model
	err error
}

// Name returns the model name.
func (m *Model) Name() string {
	if m.m == nil {
		return ""
	}
	return m.m.Name
}

// columns returns the columns and values of data: fields in declaration
// order first, then unknown names sorted.
func (m *Model) columns(data Data) ([]string, []filter.Value) {
	cols := make([]string, 0, len(data))
	vals := make([]filter.Value, 0, len(data))
	seen := make(map[string]bool, len(data))
	for _, f := range m.m.Fields {
		v, ok := data[f.Name]
		if !ok || !f.Type.Scalar() {
			continue
		}
		seen[f.Name] = true
		cols = append(cols, m.m.Column(f.Name))
		vals = append(vals, filter.V(v))
	}
	for _, name := range slices.Sorted(maps.Keys(data)) {
		if seen[name] || m.m.Relation(name) != nil {
			continue
		}
		cols = append(cols, m.m.Column(name))
		vals = append(vals, filter.V(data[name]))
	}
	return cols, vals
}

// assignments returns the SET list of data.
func (m *Model) assignments(data Data) []Assignment {
	cols, vals := m.columns(data)
	set := make([]Assignment, len(cols))
	for i := range cols {
		set[i] = Assignment{Column: cols[i], Value: vals[i]}
	}
	return set
}

// where resolves the field names of f to columns of the model.
func (m *Model) where(f filter.Filter) filter.Filter {
	return resolve(m.m, f)
}

func resolve(m *schema.Model, f filter.Filter) filter.Filter {
	return f.MapFields(func(name filter.FieldName) filter.FieldName {
		return filter.FieldName(m.Column(string(name)))
	})
}

func resolveOrder(m *schema.Model, order filter.OrderBy) filter.OrderBy {
	if len(order) == 0 {
		return nil
	}
	out := make(filter.OrderBy, len(order))
	for i, o := range order {
		o.Field = filter.FieldName(m.Column(string(o.Field)))
		out[i] = o
	}
	return out
}

func resolveFields(m *schema.Model, fields []string) []string {
	if len(fields) == 0 {
		return nil
	}
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = m.Column(f)
	}
	return cols
}

// pkFilter returns the filter matching the primary key values of rec.
func pkFilter(m *schema.Model, rec dialect.Record) (filter.Filter, error) {
	pk := m.PrimaryColumns()
	if len(pk) == 0 {
		return filter.None(), prism.Errorf(prism.InvalidParameter, "model %s has no primary key", m.Name)
	}
	fs := make([]filter.Filter, len(pk))
	for i, c := range pk {
		v, ok := rec[c]
		if !ok {
			return filter.None(), prism.Errorf(prism.InvalidParameter, "record of %s lacks primary key column %q", m.Name, c)
		}
		fs[i] = filter.Pred(filter.FieldName(c), filter.Eq, filter.V(v))
	}
	return filter.And(fs...), nil
}

// paramLimit returns the number of parameters a statement of the dialect
// may bind.
func paramLimit(d string) int {
	switch d {
	case dialect.Postgres, dialect.MySQL:
		return 65535
	case dialect.SQLite:
		return 32766
	case dialect.SQLServer:
		return 2100
	}
	if b, err := sqlb.Lookup(d); err == nil {
		return b.ParamLimit()
	}
	return 999
}
