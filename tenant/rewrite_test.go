package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/filter"
)

func TestRewriteWhere(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want string
	}{
		{
			name: "existing where",
			sql:  "SELECT * FROM users WHERE active = true",
			want: "SELECT * FROM users WHERE tenant_id = 't42' AND active = true",
		},
		{
			name: "no where",
			sql:  "SELECT * FROM users",
			want: "SELECT * FROM users WHERE tenant_id = 't42'",
		},
		{
			name: "before order by",
			sql:  "SELECT * FROM users ORDER BY id",
			want: "SELECT * FROM users WHERE tenant_id = 't42' ORDER BY id",
		},
		{
			name: "before limit",
			sql:  "SELECT * FROM users LIMIT 10",
			want: "SELECT * FROM users WHERE tenant_id = 't42' LIMIT 10",
		},
		{
			name: "before group by",
			sql:  "SELECT role, COUNT(*) FROM users GROUP BY role",
			want: "SELECT role, COUNT(*) FROM users WHERE tenant_id = 't42' GROUP BY role",
		},
		{
			name: "or is grouped",
			sql:  "SELECT * FROM users WHERE a = 1 OR b = 2 ORDER BY id",
			want: "SELECT * FROM users WHERE tenant_id = 't42' AND (a = 1 OR b = 2) ORDER BY id",
		},
		{
			name: "nested or is left alone",
			sql:  "SELECT * FROM users WHERE (a = 1 OR b = 2) AND c = 3",
			want: "SELECT * FROM users WHERE tenant_id = 't42' AND (a = 1 OR b = 2) AND c = 3",
		},
		{
			name: "subquery where",
			sql:  "SELECT * FROM users WHERE id IN (SELECT user_id FROM posts WHERE x = 1)",
			want: "SELECT * FROM users WHERE tenant_id = 't42' AND id IN (SELECT user_id FROM posts WHERE x = 1)",
		},
		{
			name: "join",
			sql:  "SELECT * FROM users u JOIN posts p ON p.user_id = u.id WHERE p.id = $1",
			want: "SELECT * FROM users u JOIN posts p ON p.tenant_id = 't42' AND p.user_id = u.id WHERE u.tenant_id = 't42' AND p.id = $1",
		},
		{
			name: "left join without where",
			sql:  "SELECT posts.id, author.email FROM posts LEFT JOIN users AS author ON posts.author_id = author.id ORDER BY posts.id",
			want: "SELECT posts.id, author.email FROM posts LEFT JOIN users AS author ON author.tenant_id = 't42' AND posts.author_id = author.id WHERE posts.tenant_id = 't42' ORDER BY posts.id",
		},
		{
			name: "link table join",
			sql:  "SELECT t.*, j.post_id AS _parent_id FROM tags AS t JOIN post_tags AS j ON t.id = j.tag_id WHERE j.post_id IN ($1, $2)",
			want: "SELECT t.*, j.post_id AS _parent_id FROM tags AS t JOIN post_tags AS j ON j.tenant_id = 't42' AND t.id = j.tag_id WHERE t.tenant_id = 't42' AND j.post_id IN ($1, $2)",
		},
		{
			name: "join condition with or",
			sql:  "SELECT * FROM a INNER JOIN b ON b.x = a.x OR b.y = a.y",
			want: "SELECT * FROM a INNER JOIN b ON b.tenant_id = 't42' AND (b.x = a.x OR b.y = a.y) WHERE a.tenant_id = 't42'",
		},
		{
			name: "comma list",
			sql:  "SELECT * FROM users u, posts p WHERE p.user_id = u.id",
			want: "SELECT * FROM users u, posts p WHERE u.tenant_id = 't42' AND p.tenant_id = 't42' AND p.user_id = u.id",
		},
		{
			name: "derived table",
			sql:  "SELECT * FROM (SELECT posts.*, ROW_NUMBER() OVER (PARTITION BY author_id ORDER BY id DESC) AS _rn FROM posts WHERE author_id IN ($1)) AS _w WHERE _rn > 0 AND _rn <= 1 ORDER BY _rn",
			want: "SELECT * FROM (SELECT posts.*, ROW_NUMBER() OVER (PARTITION BY author_id ORDER BY id DESC) AS _rn FROM posts WHERE tenant_id = 't42' AND author_id IN ($1)) AS _w WHERE _rn > 0 AND _rn <= 1 ORDER BY _rn",
		},
		{
			name: "derived table without where",
			sql:  "SELECT COUNT(*) FROM (SELECT id FROM users LIMIT 5) AS x",
			want: "SELECT COUNT(*) FROM (SELECT id FROM users WHERE tenant_id = 't42' LIMIT 5) AS x",
		},
		{
			name: "strings and terminator",
			sql:  "SELECT * FROM users WHERE name = 'it''s where' ORDER BY id;",
			want: "SELECT * FROM users WHERE tenant_id = 't42' AND name = 'it''s where' ORDER BY id;",
		},
		{
			name: "comment",
			sql:  "SELECT * FROM users -- WHERE x\nWHERE id = 1",
			want: "SELECT * FROM users -- WHERE x\nWHERE tenant_id = 't42' AND id = 1",
		},
		{
			name: "update",
			sql:  "UPDATE users SET name = $1 WHERE id = $2",
			want: "UPDATE users SET name = $1 WHERE tenant_id = 't42' AND id = $2",
		},
		{
			name: "update returning",
			sql:  "UPDATE users SET active = false RETURNING id",
			want: "UPDATE users SET active = false WHERE tenant_id = 't42' RETURNING id",
		},
		{
			name: "delete",
			sql:  "DELETE FROM users WHERE id = $1",
			want: "DELETE FROM users WHERE tenant_id = 't42' AND id = $1",
		},
		{
			name: "no table",
			sql:  "SELECT 1",
			want: "SELECT 1",
		},
		{
			name: "other statement",
			sql:  "SET search_path TO public",
			want: "SET search_path TO public",
		},
	}
	r := &Rewriter{Dialect: dialect.Postgres}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, args, err := r.Rewrite(tt.sql, nil, "t42")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Empty(t, args)

			again, _, err := r.Rewrite(got, nil, "t42")
			require.NoError(t, err)
			assert.Equal(t, got, again, "rewrite must be idempotent")
		})
	}
}

func TestRewriteEscapesTenant(t *testing.T) {
	r := &Rewriter{Dialect: dialect.Postgres}
	got, _, err := r.Rewrite("SELECT * FROM users", nil, "o'brien")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM users WHERE tenant_id = 'o''brien'", got)

	r = &Rewriter{Dialect: dialect.MySQL}
	got, _, err = r.Rewrite("SELECT * FROM users", nil, `a\'b`)
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM users WHERE tenant_id = 'a\\''b'`, got)
}

func TestRewriteOtherTenant(t *testing.T) {
	r := &Rewriter{Dialect: dialect.Postgres}
	got, _, err := r.Rewrite("SELECT * FROM users WHERE tenant_id = 't42'", nil, "t7")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM users WHERE tenant_id = 't7' AND tenant_id = 't42'", got)
}

func TestRewriteColumn(t *testing.T) {
	r := &Rewriter{Dialect: dialect.MySQL, Column: "org id"}
	got, _, err := r.Rewrite("SELECT * FROM `users` WHERE id = ?", nil, "t42")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM `users` WHERE `org id` = 't42' AND id = ?", got)
}

func TestRewriteParameterized(t *testing.T) {
	t.Run("postgres", func(t *testing.T) {
		r := &Rewriter{Dialect: dialect.Postgres, Parameterized: true}
		got, args, err := r.Rewrite("SELECT * FROM users", nil, "t42")
		require.NoError(t, err)
		assert.Equal(t, "SELECT * FROM users WHERE tenant_id = $1", got)
		assert.Equal(t, []filter.Value{filter.String("t42")}, args)

		again, args2, err := r.Rewrite(got, args, "t42")
		require.NoError(t, err)
		assert.Equal(t, got, again)
		assert.Equal(t, args, args2)
	})
	t.Run("sqlserver", func(t *testing.T) {
		r := &Rewriter{Dialect: dialect.SQLServer, Parameterized: true}
		in := []filter.Value{filter.Int(1)}
		got, args, err := r.Rewrite("SELECT * FROM users WHERE id = @P1", in, "t42")
		require.NoError(t, err)
		assert.Equal(t, "SELECT * FROM users WHERE tenant_id = @P2 AND id = @P1", got)
		assert.Equal(t, []filter.Value{filter.Int(1), filter.String("t42")}, args)
		assert.Len(t, in, 1, "caller args must not be modified")

		again, args2, err := r.Rewrite(got, args, "t42")
		require.NoError(t, err)
		assert.Equal(t, got, again)
		assert.Len(t, args2, 2)
	})
	t.Run("mysql uses literals", func(t *testing.T) {
		r := &Rewriter{Dialect: dialect.MySQL, Parameterized: true}
		got, args, err := r.Rewrite("SELECT * FROM users WHERE id = ?", []filter.Value{filter.Int(1)}, "t42")
		require.NoError(t, err)
		assert.Equal(t, "SELECT * FROM users WHERE tenant_id = 't42' AND id = ?", got)
		assert.Len(t, args, 1)
	})
}

func TestRewriteScoped(t *testing.T) {
	r := &Rewriter{
		Dialect: dialect.Postgres,
		Scoped:  func(table string) bool { return table != "migrations" },
	}
	got, _, err := r.Rewrite("SELECT * FROM migrations", nil, "t42")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM migrations", got)

	got, _, err = r.Rewrite(`SELECT * FROM "public"."users"`, nil, "t42")
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "public"."users" WHERE tenant_id = 't42'`, got)
}

func TestRewriteJoinScoped(t *testing.T) {
	r := &Rewriter{
		Dialect: dialect.Postgres,
		Scoped:  func(table string) bool { return table != "post_tags" },
	}
	got, _, err := r.Rewrite("SELECT t.* FROM tags AS t JOIN post_tags AS j ON t.id = j.tag_id WHERE j.post_id = $1", nil, "t42")
	require.NoError(t, err)
	assert.Equal(t, "SELECT t.* FROM tags AS t JOIN post_tags AS j ON t.id = j.tag_id WHERE t.tenant_id = 't42' AND j.post_id = $1", got)
}

func TestRewriteParameterizedJoin(t *testing.T) {
	r := &Rewriter{Dialect: dialect.Postgres, Parameterized: true}
	in := []filter.Value{filter.Int(1)}
	got, args, err := r.Rewrite("SELECT * FROM posts LEFT JOIN users AS author ON posts.author_id = author.id WHERE posts.id = $1", in, "t42")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM posts LEFT JOIN users AS author ON author.tenant_id = $2 AND posts.author_id = author.id WHERE posts.tenant_id = $2 AND posts.id = $1", got)
	assert.Equal(t, []filter.Value{filter.Int(1), filter.String("t42")}, args, "one parameter serves every predicate")

	again, args2, err := r.Rewrite(got, args, "t42")
	require.NoError(t, err)
	assert.Equal(t, got, again)
	assert.Equal(t, args, args2)

	got, args, err = r.Rewrite("SELECT * FROM (SELECT * FROM posts WHERE author_id IN ($1)) AS _w WHERE _rn <= 1", in, "t42")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM (SELECT * FROM posts WHERE tenant_id = $2 AND author_id IN ($1)) AS _w WHERE _rn <= 1", got)
	assert.Len(t, args, 2)
}

func TestRewriteRejects(t *testing.T) {
	r := &Rewriter{Dialect: dialect.Postgres}
	for _, sql := range []string{
		"WITH x AS (SELECT 1) SELECT * FROM x",
		"SELECT id FROM a UNION SELECT id FROM b",
		"SELECT id FROM a EXCEPT SELECT id FROM b",
		"SELECT * FROM (SELECT id FROM a UNION SELECT id FROM b) AS u",
		"SELECT * FROM (SELECT id FROM a",
		"INSERT INTO users SELECT * FROM staging",
		"INSERT INTO users (email) VALUES ($1)",
		"INSERT INTO users (email, tenant_id) VALUES ($1, upper($2))",
	} {
		_, _, err := r.Rewrite(sql, []filter.Value{filter.String("a"), filter.String("t42")}, "t42")
		require.Error(t, err, sql)
		assert.Equal(t, prism.InvalidParameter, prism.CodeOf(err), sql)
	}
}

func TestRewriteInsert(t *testing.T) {
	t.Run("parameter matches", func(t *testing.T) {
		r := &Rewriter{Dialect: dialect.Postgres}
		sql := "INSERT INTO users (email, tenant_id) VALUES ($1, $2)"
		got, _, err := r.Rewrite(sql, filter.Values("a", "t42"), "t42")
		require.NoError(t, err)
		assert.Equal(t, sql, got)
	})
	t.Run("parameter mismatch", func(t *testing.T) {
		r := &Rewriter{Dialect: dialect.Postgres}
		_, _, err := r.Rewrite("INSERT INTO users (email, tenant_id) VALUES ($1, $2)", filter.Values("a", "t7"), "t42")
		require.Error(t, err)
		e, ok := prism.AsError(err)
		require.True(t, ok)
		assert.Equal(t, prism.InvalidParameter, e.Code)
		assert.Equal(t, "t42", e.Context["tenant_id"])
	})
	t.Run("literal rows", func(t *testing.T) {
		r := &Rewriter{Dialect: dialect.Postgres}
		sql := "INSERT INTO users (email, tenant_id) VALUES ('a', 't42'), ('b', 't42')"
		got, _, err := r.Rewrite(sql, nil, "t42")
		require.NoError(t, err)
		assert.Equal(t, sql, got)

		_, _, err = r.Rewrite("INSERT INTO users (email, tenant_id) VALUES ('a', 't42'), ('b', 't7')", nil, "t42")
		require.Error(t, err)
	})
	t.Run("numeric tenant", func(t *testing.T) {
		r := &Rewriter{Dialect: dialect.SQLite}
		_, _, err := r.Rewrite("INSERT INTO users (email, tenant_id) VALUES ('a', 42)", nil, "42")
		require.NoError(t, err)
		_, _, err = r.Rewrite("INSERT INTO users (email, tenant_id) VALUES (?, ?)", []filter.Value{filter.String("a"), filter.Int(42)}, "42")
		require.NoError(t, err)
	})
	t.Run("anonymous placeholders", func(t *testing.T) {
		r := &Rewriter{Dialect: dialect.MySQL}
		sql := "INSERT INTO users (email, tenant_id) VALUES (?, ?), (?, ?)"
		_, _, err := r.Rewrite(sql, filter.Values("a", "t42", "b", "t42"), "t42")
		require.NoError(t, err)
		_, _, err = r.Rewrite(sql, filter.Values("a", "t42", "b", "t7"), "t42")
		require.Error(t, err)
	})
	t.Run("auto insert literal", func(t *testing.T) {
		r := &Rewriter{Dialect: dialect.Postgres, AutoInsert: true}
		got, args, err := r.Rewrite("INSERT INTO users (email) VALUES ($1), ($2) RETURNING *", filter.Values("a", "b"), "t42")
		require.NoError(t, err)
		assert.Equal(t, "INSERT INTO users (email, tenant_id) VALUES ($1, 't42'), ($2, 't42') RETURNING *", got)
		assert.Len(t, args, 2)
	})
	t.Run("auto insert parameter", func(t *testing.T) {
		r := &Rewriter{Dialect: dialect.Postgres, AutoInsert: true, Parameterized: true}
		got, args, err := r.Rewrite("INSERT INTO users (email) VALUES ($1)", filter.Values("a"), "t42")
		require.NoError(t, err)
		assert.Equal(t, "INSERT INTO users (email, tenant_id) VALUES ($1, $2)", got)
		assert.Equal(t, filter.Values("a", "t42"), args)

		again, _, err := r.Rewrite(got, args, "t42")
		require.NoError(t, err)
		assert.Equal(t, got, again)
	})
	t.Run("missing column suggestion", func(t *testing.T) {
		r := &Rewriter{Dialect: dialect.Postgres}
		_, _, err := r.Rewrite("INSERT INTO users (email) VALUES ('a')", nil, "t42")
		e, ok := prism.AsError(err)
		require.True(t, ok)
		assert.NotEmpty(t, e.Suggestion)
	})
}

func TestLex(t *testing.T) {
	toks := lex(`SELECT "a b", 'x''y', $1 FROM t /* c */ WHERE (f(@P2) > 1.5)`)
	kinds := make([]tokKind, len(toks))
	for i, tk := range toks {
		kinds[i] = tk.kind
	}
	assert.Equal(t, []tokKind{
		tokWord, tokQuotedIdent, tokComma, tokString, tokComma, tokParam,
		tokWord, tokWord, tokWord,
		tokOpen, tokWord, tokOpen, tokParam, tokClose, tokOther, tokWord, tokClose,
	}, kinds)
	assert.Equal(t, 1, toks[10].depth)
	assert.Equal(t, 2, toks[12].depth)
}
