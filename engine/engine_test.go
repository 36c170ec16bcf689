package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	sqlb "github.com/syssam/prism/dialect/sql"
	"github.com/syssam/prism/filter"
	"github.com/syssam/prism/middleware"
	"github.com/syssam/prism/pool"
	"github.com/syssam/prism/schema"
	"github.com/syssam/prism/tenant"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const blog = `
models:
  - name: User
    fields:
      - {name: id, type: BigInt}
      - {name: email, type: String}
      - {name: name, type: String}
      - {name: status, type: String}
      - {name: age, type: Int}
      - {name: createdAt, type: DateTime}
    relations:
      - {name: posts, kind: one_to_many, model: Post, referenced_fields: [authorId]}
  - name: Post
    fields:
      - {name: id, type: BigInt}
      - {name: title, type: String}
      - {name: authorId, type: BigInt}
    relations:
      - {name: author, kind: many_to_one, model: User}
      - name: tags
        kind: many_to_many
        model: Tag
        join_table: {table: post_tags}
  - name: Tag
    fields:
      - {name: id, type: BigInt}
      - {name: label, type: String}
`

func registry(t *testing.T) *schema.Registry {
	t.Helper()
	s, err := schema.Parse([]byte(blog))
	require.NoError(t, err)
	r, err := schema.RegistryFor(s)
	require.NoError(t, err)
	return r
}

// mockClient returns a client over a one connection pool backed by
// sqlmock. Statements are matched verbatim.
func mockClient(t *testing.T, d string, opts ...Option) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	p, err := pool.New(context.Background(), sqlb.OpenDB(d, db), pool.Config{MaxConns: 1}, pool.WithLogger(discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	c, err := Open(p, registry(t), append([]Option{WithLogger(discard)}, opts...)...)
	require.NoError(t, err)
	return c, mock
}

// recorder keeps the statements that reach the connection.
type recorder struct {
	mu sync.Mutex
	b  strings.Builder
}

func (r *recorder) middleware() middleware.Middleware {
	return func(next middleware.Handler) middleware.Handler {
		return middleware.HandlerFunc(func(ctx context.Context, q *middleware.QueryContext) (*middleware.Response, error) {
			r.record(q)
			return next.Handle(ctx, q)
		})
	}
}

func (r *recorder) record(q *middleware.QueryContext) {
	vs := make([]string, len(q.Args))
	for i, a := range q.Args {
		vs[i] = a.String()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(&r.b, "-- %s\n%s\nargs: [%s]\n", q.Meta.Operation, q.SQL, strings.Join(vs, ", "))
}

func (r *recorder) bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return []byte(r.b.String())
}

func TestStatementsGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	activeAdults := func(ctx context.Context, c *Client) error {
		recs, err := c.Model("User").FindMany().
			Where(filter.FieldEQ("status", "active"), filter.FieldGT("age", 18)).
			OrderBy(filter.OrderDesc("createdAt")).
			Take(10).
			Exec(ctx)
		if err != nil {
			return err
		}
		if len(recs) != 1 {
			return fmt.Errorf("got %d records", len(recs))
		}
		return nil
	}
	tests := []struct {
		name    string
		dialect string
		opts    []Option
		expect  func(sqlmock.Sqlmock)
		run     func(context.Context, *Client) error
	}{
		{
			name:    "find_many_postgres",
			dialect: dialect.Postgres,
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT * FROM users WHERE (status = $1 AND age > $2) ORDER BY created_at DESC LIMIT 10").
					WithArgs("active", 18).
					WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(1, "active"))
			},
			run: activeAdults,
		},
		{
			name:    "find_many_sqlserver",
			dialect: dialect.SQLServer,
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT * FROM users WHERE (status = @P1 AND age > @P2) ORDER BY created_at DESC OFFSET 0 ROWS FETCH NEXT 10 ROWS ONLY").
					WithArgs("active", 18).
					WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(1, "active"))
			},
			run: activeAdults,
		},
		{
			name:    "create_mysql",
			dialect: dialect.MySQL,
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO users (email, name) VALUES (?, ?)").
					WithArgs("a@b.c", "Ann").
					WillReturnResult(sqlmock.NewResult(7, 1))
				mock.ExpectQuery("SELECT * FROM users WHERE id = LAST_INSERT_ID() LIMIT 1").
					WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name"}).AddRow(7, "a@b.c", "Ann"))
			},
			run: func(ctx context.Context, c *Client) error {
				rec, err := c.Model("User").Create(Data{"email": "a@b.c", "name": "Ann"}).Exec(ctx)
				if err != nil {
					return err
				}
				if rec["id"] != int64(7) {
					return fmt.Errorf("got id %v", rec["id"])
				}
				return nil
			},
		},
		{
			name:    "include_author_postgres",
			dialect: dialect.Postgres,
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT * FROM posts").
					WillReturnRows(sqlmock.NewRows([]string{"id", "title", "author_id"}).
						AddRow(1, "a", 1).
						AddRow(2, "b", 2).
						AddRow(3, "c", 1))
				mock.ExpectQuery("SELECT * FROM users WHERE id IN ($1, $2)").
					WithArgs(1, 2).
					WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(1, "ann").AddRow(2, "bob"))
			},
			run: func(ctx context.Context, c *Client) error {
				posts, err := c.Model("Post").FindMany().Include(With("author")).Exec(ctx)
				if err != nil {
					return err
				}
				for i, want := range []string{"ann", "bob", "ann"} {
					author, ok := posts[i]["author"].(dialect.Record)
					if !ok || author["name"] != want {
						return fmt.Errorf("post %d: got author %v", i, posts[i]["author"])
					}
				}
				return nil
			},
		},
		{
			name:    "tenant_row_level_postgres",
			dialect: dialect.Postgres,
			opts: []Option{
				WithMiddleware(tenant.New(tenant.Config{Dialect: dialect.Postgres}, tenant.WithLogger(discard)).Middleware()),
			},
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT * FROM users WHERE tenant_id = 't1' AND status = $1").
					WithArgs("active").
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
			},
			run: func(ctx context.Context, c *Client) error {
				_, err := c.Model("User").FindMany().
					Where(filter.FieldEQ("status", "active")).
					Tenant("t1").
					Exec(ctx)
				return err
			},
		},
		{
			name:    "raw_from_postgres_sqlserver",
			dialect: dialect.SQLServer,
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT * FROM users WHERE id = @P1 AND status = @P2").
					WithArgs(1, "active").
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
			},
			run: func(ctx context.Context, c *Client) error {
				_, err := c.Raw("SELECT * FROM users WHERE id = $1 AND status = $2", 1, "active").
					FromPostgres().
					Query(ctx)
				return err
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			opts := append(tt.opts, WithMiddleware(rec.middleware()))
			c, mock := mockClient(t, tt.dialect, opts...)
			tt.expect(mock)
			require.NoError(t, tt.run(context.Background(), c))
			require.NoError(t, mock.ExpectationsWereMet())
			g.Assert(t, tt.name, rec.bytes())
		})
	}
}

func TestOpen(t *testing.T) {
	_, err := Open(nil, nil)
	assert.Equal(t, prism.ConfigError, prism.CodeOf(err))

	c, _ := mockClient(t, dialect.Postgres)
	assert.Equal(t, dialect.Postgres, c.Dialect())
	assert.NotNil(t, c.QueryCache())
	assert.False(t, c.InTx())
	assert.Equal(t, []string{"Post", "Tag", "User"}, c.Registry().Models())

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	p, err := pool.New(context.Background(), sqlb.OpenDB("cassandra", db), pool.Config{MaxConns: 1}, pool.WithLogger(discard))
	require.NoError(t, err)
	defer p.Close()
	_, err = Open(p, registry(t))
	assert.Equal(t, prism.ConfigError, prism.CodeOf(err), "no lowerer for a backend without SQL")
}

func TestUnknownModel(t *testing.T) {
	c, mock := mockClient(t, dialect.Postgres)
	ctx := context.Background()
	m := c.Model("Nope")
	assert.Empty(t, m.Name())
	_, err := m.FindMany().Exec(ctx)
	assert.Equal(t, prism.InvalidParameter, prism.CodeOf(err))
	_, err = m.Create(Data{"x": 1}).Exec(ctx)
	assert.Equal(t, prism.InvalidParameter, prism.CodeOf(err))
	_, err = m.Count().Exec(ctx)
	assert.Equal(t, prism.InvalidParameter, prism.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestErrorAnnotation(t *testing.T) {
	c, mock := mockClient(t, dialect.Postgres)
	mock.ExpectQuery("SELECT * FROM users WHERE status = $1").
		WithArgs("x").
		WillReturnError(fmt.Errorf("boom"))
	_, err := c.Model("User").FindMany().Where(filter.FieldEQ("status", "x")).Tenant("t9").Exec(context.Background())
	require.Error(t, err)
	e, ok := prism.AsError(err)
	require.True(t, ok)
	assert.Equal(t, prism.Internal, e.Code)
	assert.Equal(t, "find_many", e.Context["operation"])
	assert.Equal(t, "User", e.Context["model"])
	assert.Equal(t, "t9", e.Context["tenant_id"])
	assert.Contains(t, err.Error(), "boom")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseRoutingWithoutRouter(t *testing.T) {
	iso := tenant.New(tenant.Config{Strategy: tenant.DatabaseBased}, tenant.WithLogger(discard))
	c, mock := mockClient(t, dialect.Postgres, WithMiddleware(iso.Middleware()))
	_, err := c.Model("User").FindMany().Tenant("acme").Exec(context.Background())
	assert.Equal(t, prism.ConfigError, prism.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSchemaStrategySetsSearchPath(t *testing.T) {
	iso := tenant.New(tenant.Config{Strategy: tenant.SchemaBased}, tenant.WithLogger(discard))
	c, mock := mockClient(t, dialect.Postgres, WithMiddleware(iso.Middleware()))
	mock.ExpectExec(`SET search_path TO tenant_acme`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT * FROM users").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec("RESET search_path").WillReturnResult(sqlmock.NewResult(0, 0))
	recs, err := c.Model("User").FindMany().Tenant("acme").Exec(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}
