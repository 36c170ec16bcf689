package tenant

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	sqlb "github.com/syssam/prism/dialect/sql"
	"github.com/syssam/prism/filter"
	"github.com/syssam/prism/middleware"
	"github.com/syssam/prism/pool"
)

var quiet = WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

func selectUsers() *middleware.QueryContext {
	return middleware.NewQueryContext(middleware.TypeSelect, "SELECT * FROM users WHERE active = true", nil)
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{
		"":             RowLevel,
		"row":          RowLevel,
		"ROW_LEVEL":    RowLevel,
		"schema":       SchemaBased,
		"schema_level": SchemaBased,
		"Database":     DatabaseBased,
	} {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStrategy("table")
	assert.Equal(t, prism.ConfigError, prism.CodeOf(err))
	assert.Equal(t, "database", DatabaseBased.String())
}

func TestIsolationRowLevel(t *testing.T) {
	iso := New(Config{Dialect: dialect.Postgres}, quiet)
	q := selectUsers()
	err := iso.Apply(WithTenant(context.Background(), "t42"), q)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM users WHERE tenant_id = 't42' AND active = true", q.SQL)
	assert.Equal(t, "t42", q.Meta.TenantID)

	// Served from the statement cache.
	q = selectUsers()
	require.NoError(t, iso.Apply(WithTenant(context.Background(), "t42"), q))
	assert.Equal(t, "SELECT * FROM users WHERE tenant_id = 't42' AND active = true", q.SQL)
	assert.Equal(t, 1, iso.stmts.Len("t42"))

	q = selectUsers()
	require.NoError(t, iso.Apply(WithTenant(context.Background(), "t7"), q))
	assert.Equal(t, "SELECT * FROM users WHERE tenant_id = 't7' AND active = true", q.SQL)
}

func TestIsolationParameterizedCache(t *testing.T) {
	iso := New(Config{Dialect: dialect.Postgres, Parameterized: true}, quiet)
	for _, id := range []string{"t1", "t2", "t1"} {
		q := middleware.NewQueryContext(middleware.TypeSelect, "SELECT * FROM users WHERE id = $1", filter.Values(5))
		require.NoError(t, iso.Apply(WithTenant(context.Background(), id), q))
		assert.Equal(t, "SELECT * FROM users WHERE tenant_id = $2 AND id = $1", q.SQL)
		assert.Equal(t, filter.Values(5, id), q.Args)
	}
	assert.Equal(t, 1, iso.stmts.Len(""), "parameterized statements are shared across tenants")
}

func TestIsolationPrecedence(t *testing.T) {
	h := &Handle{}
	iso := New(Config{DefaultTenant: "fallback"}, WithHandle(h), quiet)
	ctx := context.Background()

	tc, err := iso.Current(ctx, selectUsers())
	require.NoError(t, err)
	assert.Equal(t, "fallback", tc.ID)

	h.Set(&Context{ID: "handle"})
	tc, err = iso.Current(ctx, selectUsers())
	require.NoError(t, err)
	assert.Equal(t, "handle", tc.ID)

	ctx = WithTenant(ctx, "ctx")
	tc, err = iso.Current(ctx, selectUsers())
	require.NoError(t, err)
	assert.Equal(t, "ctx", tc.ID)

	q := selectUsers()
	q.Meta.TenantID = "query"
	tc, err = iso.Current(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "query", tc.ID)

	h.Clear()
	assert.Nil(t, h.Get())
}

func TestIsolationRequireTenant(t *testing.T) {
	iso := New(Config{RequireTenant: true}, quiet)
	q := selectUsers()
	err := iso.Apply(context.Background(), q)
	require.Error(t, err)
	assert.True(t, errors.Is(err, prism.ErrTenantMissing))
	assert.Equal(t, "SELECT * FROM users WHERE active = true", q.SQL)

	iso = New(Config{}, quiet)
	q = selectUsers()
	require.NoError(t, iso.Apply(context.Background(), q))
	assert.Equal(t, "SELECT * FROM users WHERE active = true", q.SQL, "no tenant leaves the statement alone")
}

func TestIsolationBypass(t *testing.T) {
	ctx := WithBypass(WithTenant(context.Background(), "t42"))
	tc, ok := FromContext(ctx)
	require.True(t, ok)
	assert.True(t, tc.Bypass)
	assert.Equal(t, "t42", tc.ID)

	iso := New(Config{RequireTenant: true}, quiet)
	err := iso.Apply(ctx, selectUsers())
	assert.Equal(t, prism.InvalidParameter, prism.CodeOf(err))

	iso = New(Config{RequireTenant: true, AllowBypass: true}, quiet)
	q := selectUsers()
	require.NoError(t, iso.Apply(ctx, q))
	assert.Equal(t, "SELECT * FROM users WHERE active = true", q.SQL)
	assert.Empty(t, q.Meta.TenantID)
}

func TestIsolationTables(t *testing.T) {
	iso := New(Config{Tables: []string{"users", "posts"}, ExcludeTables: []string{"posts"}}, quiet)
	ctx := WithTenant(context.Background(), "t42")

	q := middleware.NewQueryContext(middleware.TypeSelect, "SELECT * FROM posts", nil)
	require.NoError(t, iso.Apply(ctx, q))
	assert.Equal(t, "SELECT * FROM posts", q.SQL)

	q = middleware.NewQueryContext(middleware.TypeSelect, "SELECT * FROM tags", nil)
	require.NoError(t, iso.Apply(ctx, q))
	assert.Equal(t, "SELECT * FROM tags", q.SQL)

	q = middleware.NewQueryContext(middleware.TypeSelect, "SELECT * FROM Users", nil)
	require.NoError(t, iso.Apply(ctx, q))
	assert.Equal(t, "SELECT * FROM Users WHERE tenant_id = 't42'", q.SQL)
}

func TestIsolationRewriteError(t *testing.T) {
	iso := New(Config{}, quiet)
	q := middleware.NewQueryContext(middleware.TypeInsert, "INSERT INTO users (email) VALUES ('a')", nil)
	err := iso.Apply(WithTenant(context.Background(), "t42"), q)
	assert.Equal(t, prism.InvalidParameter, prism.CodeOf(err))

	q = middleware.NewQueryContext(middleware.TypeTxBegin, "BEGIN", nil)
	require.NoError(t, iso.Apply(WithTenant(context.Background(), "t42"), q))
	assert.Equal(t, "BEGIN", q.SQL)
}

func TestIsolationSchema(t *testing.T) {
	iso := New(Config{Strategy: SchemaBased, SessionVar: "app.tenant_id"}, quiet)
	q := selectUsers()
	require.NoError(t, iso.Apply(WithTenant(context.Background(), "t42"), q))
	assert.Equal(t, "tenant_t42", q.Meta.Schema)
	assert.Equal(t, map[string]string{"app.tenant_id": "t42"}, q.Meta.SessionVars)
	assert.Equal(t, "SELECT * FROM users WHERE active = true", q.SQL)

	iso = New(Config{Strategy: SchemaBased}, WithResolver(StaticResolver{"t42": {Schema: "acme"}}), quiet)
	q = selectUsers()
	require.NoError(t, iso.Apply(WithTenant(context.Background(), "t42"), q))
	assert.Equal(t, "acme", q.Meta.Schema)

	q = selectUsers()
	err := iso.Apply(WithTenant(context.Background(), "t7"), q)
	assert.True(t, errors.Is(err, prism.ErrTenantNotFound))
}

func TestIsolationDatabase(t *testing.T) {
	iso := New(Config{Strategy: DatabaseBased, DatabaseFormat: "db_%s"}, quiet)
	q := selectUsers()
	require.NoError(t, iso.Apply(WithTenant(context.Background(), "t42"), q))
	assert.Equal(t, "db_t42", q.Meta.Database)
	assert.Empty(t, q.Meta.Schema)
	assert.Equal(t, "db_%s", iso.Config().DatabaseFormat)
}

func TestIsolationMiddleware(t *testing.T) {
	iso := New(Config{Dialect: dialect.Postgres}, quiet)
	var executed string
	h := middleware.NewChain(iso.Middleware()).Then(middleware.HandlerFunc(func(_ context.Context, q *middleware.QueryContext) (*middleware.Response, error) {
		executed = q.SQL
		return &middleware.Response{}, nil
	}))
	ctx := WithTenant(context.Background(), "t42")
	_, err := h.Handle(ctx, selectUsers())
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM users WHERE tenant_id = 't42' AND active = true", executed)

	executed = ""
	_, err = New(Config{RequireTenant: true}, quiet).Middleware()(middleware.HandlerFunc(func(context.Context, *middleware.QueryContext) (*middleware.Response, error) {
		executed = "called"
		return nil, nil
	})).Handle(context.Background(), selectUsers())
	require.Error(t, err)
	assert.Empty(t, executed)
}

func TestRun(t *testing.T) {
	err := Run(context.Background(), "t42", func(ctx context.Context) error {
		tc, ok := FromContext(ctx)
		require.True(t, ok)
		assert.Equal(t, "t42", tc.ID)
		return nil
	})
	require.NoError(t, err)
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}

func TestCache(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache(1, 2, time.Minute, WithCacheClock(func() time.Time { return now }))
	c.Set("a", &Context{ID: "a"})
	now = now.Add(time.Second)
	c.Set("b", &Context{ID: "b"})
	now = now.Add(time.Second)
	c.Set("c", &Context{ID: "c"})
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok, "entry closest to expiry is evicted")

	tc, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, "b", tc.ID)

	now = now.Add(time.Minute)
	_, ok = c.Get("b")
	assert.False(t, ok, "expired")
	assert.Equal(t, 1, c.Len())

	c.Delete("c")
	assert.Zero(t, c.Len())

	c = NewCache(4, 100, 0)
	for _, id := range []string{"x", "y", "z"} {
		c.Set(id, &Context{ID: id})
	}
	assert.Equal(t, 3, c.Len())
	c.Clear()
	assert.Zero(t, c.Len())
}

func TestStmtCache(t *testing.T) {
	var evicted []int
	c := NewStmtCache(PerTenant, 2, func(v int) { evicted = append(evicted, v) })
	c.Put("a", "q1", 1)
	c.Put("a", "q2", 2)
	_, ok := c.Get("a", "q1")
	require.True(t, ok)
	c.Put("a", "q3", 3)
	assert.Equal(t, []int{2}, evicted, "least recently used is evicted")
	assert.Equal(t, 2, c.Len("a"))

	_, ok = c.Get("b", "q1")
	assert.False(t, ok, "tenants do not share statements")
	c.Put("b", "q1", 10)
	assert.Equal(t, 1, c.Len("b"))

	c.Put("a", "q1", 11)
	assert.Equal(t, []int{2, 1}, evicted, "replaced handles are released")
	v, _ := c.Get("a", "q1")
	assert.Equal(t, 11, v)

	c.Drop("a")
	assert.Zero(t, c.Len("a"))
	assert.ElementsMatch(t, []int{2, 1, 11, 3}, evicted)

	g := NewStmtCache[string](Global, 4, nil)
	g.Put("a", "q", "stmt")
	v2, ok := g.Get("b", "q")
	require.True(t, ok)
	assert.Equal(t, "stmt", v2)
}

func TestResolvers(t *testing.T) {
	ctx := context.Background()
	static := StaticResolver{"acme": {Schema: "acme_s", Metadata: map[string]string{"plan": "pro"}}}
	tc, err := static.Resolve(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", tc.ID)
	tc.Metadata["plan"] = "free"
	assert.Equal(t, "pro", static["acme"].Metadata["plan"], "resolved tenants are copies")

	_, err = static.Resolve(ctx, "other")
	e, ok := prism.AsError(err)
	require.True(t, ok)
	assert.Equal(t, prism.TenantNotFound, e.Code)
	assert.Equal(t, "other", e.Context["tenant_id"])

	boom := errors.New("boom")
	comp := CompositeResolver{
		StaticResolver{},
		StaticResolver{"b": {}},
		ResolverFunc(func(context.Context, string) (*Context, error) { return nil, boom }),
	}
	tc, err = comp.Resolve(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", tc.ID)
	_, err = comp.Resolve(ctx, "c")
	assert.ErrorIs(t, err, boom)
	_, err = CompositeResolver{StaticResolver{}}.Resolve(ctx, "c")
	assert.Equal(t, prism.TenantNotFound, prism.CodeOf(err))
}

func TestCachedResolver(t *testing.T) {
	var calls atomic.Int32
	r := ResolverFunc(func(_ context.Context, id string) (*Context, error) {
		calls.Add(1)
		if id == "missing" {
			return nil, notFound(id)
		}
		return &Context{ID: id, Schema: "s_" + id}, nil
	})
	now := time.Now()
	c := Cached(r, NewCache(4, 16, time.Minute, WithCacheClock(func() time.Time { return now })))
	ctx := context.Background()

	for range 3 {
		tc, err := c.Resolve(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, "s_acme", tc.Schema)
	}
	assert.EqualValues(t, 1, calls.Load())

	c.Invalidate("acme")
	_, err := c.Resolve(ctx, "acme")
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())

	now = now.Add(2 * time.Minute)
	_, err = c.Resolve(ctx, "acme")
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())

	for range 2 {
		_, err = c.Resolve(ctx, "missing")
		assert.Equal(t, prism.TenantNotFound, prism.CodeOf(err))
	}
	assert.EqualValues(t, 5, calls.Load(), "failures are not cached")
}

func mockPool(t *testing.T) (*pool.Pool, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	p, err := pool.New(context.Background(), sqlb.OpenDB(dialect.Postgres, db), pool.Config{MaxConns: 1},
		pool.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, mock
}

func TestQueryResolver(t *testing.T) {
	p, mock := mockPool(t)
	const query = "SELECT id, schema_name AS schema, plan FROM tenants WHERE id = $1"
	mock.ExpectQuery(query).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id", "schema", "plan"}).AddRow("acme", "acme_s", []byte("pro")))
	mock.ExpectQuery(query).
		WithArgs("other").
		WillReturnRows(sqlmock.NewRows([]string{"id", "schema", "plan"}))

	r := NewDatabaseResolver(p, query, time.Minute)
	ctx := context.Background()
	tc, err := r.Resolve(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, &Context{ID: "acme", Schema: "acme_s", Metadata: map[string]string{"plan": "pro"}}, tc)

	// Cached: no further query.
	_, err = r.Resolve(ctx, "acme")
	require.NoError(t, err)

	_, err = r.Resolve(ctx, "other")
	assert.Equal(t, prism.TenantNotFound, prism.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, p.Status().Idle, "connections are released")
}

func TestRouter(t *testing.T) {
	var dialed []string
	r := NewRouter(func(_ context.Context, database string) (dialect.Connector, error) {
		if database == "bad" {
			return nil, prism.New(prism.ConfigError, "unknown database")
		}
		dialed = append(dialed, database)
		db, _, err := sqlmock.New()
		if err != nil {
			return nil, err
		}
		return sqlb.OpenDB(dialect.Postgres, db), nil
	}, pool.Config{MaxConns: 2}, pool.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer r.Close()

	ctx := context.Background()
	for _, db := range []string{"tenant_a", "tenant_b", "tenant_a"} {
		conn, err := r.Acquire(ctx, db)
		require.NoError(t, err)
		assert.Equal(t, dialect.Postgres, conn.Dialect())
		conn.Release()
	}
	assert.Equal(t, []string{"tenant_a", "tenant_b"}, dialed)
	assert.Equal(t, []string{"tenant_a", "tenant_b"}, r.Keys())

	_, err := r.Acquire(ctx, "bad")
	assert.Equal(t, prism.ConfigError, prism.CodeOf(err))
}
