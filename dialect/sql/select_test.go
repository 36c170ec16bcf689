package sql

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/filter"
)

var goldenDialects = []string{dialect.Postgres, dialect.MySQL, dialect.SQLite, dialect.SQLServer}

// renderAll renders the selector built by fn for every SQL dialect.
func renderAll(t *testing.T, fn func(d string) *Selector) []byte {
	t.Helper()
	var b strings.Builder
	for _, d := range goldenDialects {
		s := fn(d)
		query, args := s.Query()
		require.NoError(t, s.Err(), d)
		vs := make([]string, len(args))
		for i, a := range args {
			vs[i] = a.String()
		}
		b.WriteString("-- " + d + "\n")
		b.WriteString(query + "\n")
		b.WriteString("args: [" + strings.Join(vs, ", ") + "]\n")
	}
	return []byte(b.String())
}

func TestSelectorGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	tests := []struct {
		name string
		fn   func(d string) *Selector
	}{
		{
			name: "select_paginated",
			fn: func(d string) *Selector {
				return Dialect(d).Select().
					From("users").
					Where(filter.And(filter.FieldEQ("status", "active"), filter.FieldGT("age", 18))).
					OrderBy(filter.OrderDesc("created_at")).
					Limit(10).
					Offset(20)
			},
		},
		{
			name: "select_nested",
			fn: func(d string) *Selector {
				return Dialect(d).Select("id", "user").
					From("order").
					Where(filter.Or(
						filter.And(filter.FieldEQ("a", 1), filter.Not(filter.FieldIsNull("b"))),
						filter.FieldIn("role", "x", "y"),
					))
			},
		},
		{
			name: "select_offset_only",
			fn: func(d string) *Selector {
				return Dialect(d).Select("id").From("users").Offset(5)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g.Assert(t, tt.name, renderAll(t, tt.fn))
		})
	}
}

func TestSelectorJoin(t *testing.T) {
	s := Dialect(dialect.Postgres).
		Select("id", "name").
		From("users").As("u").
		Join(LeftJoin, "posts", "p", "u", "id", "author_id").
		Where(filter.FieldEQ("active", true)).
		OrderBy(filter.OrderAsc("name"))
	query, args := s.Query()
	require.NoError(t, s.Err())
	assert.Equal(t, "SELECT u.id, u.name FROM users AS u LEFT JOIN posts AS p ON u.id = p.author_id WHERE u.active = $1 ORDER BY u.name", query)
	require.Len(t, args, 1)
	assert.True(t, args[0].AsBool())
}

func TestSelectorRerender(t *testing.T) {
	s := Dialect(dialect.Postgres).Select().From("users").Where(filter.FieldEQ("id", 1))
	q1, a1 := s.Query()
	q2, a2 := s.Query()
	assert.Equal(t, q1, q2)
	assert.Equal(t, len(a1), len(a2))
	s.Where(filter.FieldEQ("tenant_id", "t1"))
	q3, a3 := s.Query()
	assert.Equal(t, "SELECT * FROM users WHERE (id = $1 AND tenant_id = $2)", q3)
	assert.Len(t, a3, 2)
}

func TestSelectorWhereFunc(t *testing.T) {
	s := Dialect(dialect.MySQL).Select().From("users").
		Where(filter.FieldEQ("a", 1)).
		WhereFunc(func(b *Builder) {
			b.Ident("tenant_id").WriteString(" = ").Arg(filter.String("t1"))
		})
	query, args := s.Query()
	assert.Equal(t, "SELECT * FROM users WHERE a = ? AND tenant_id = ?", query)
	assert.Len(t, args, 2)
}

func TestSelectorErrors(t *testing.T) {
	t.Run("for update", func(t *testing.T) {
		s := Dialect(dialect.SQLite).Select().From("users").ForUpdate()
		s.Query()
		assert.Equal(t, prism.InvalidParameter, prism.CodeOf(s.Err()))

		s = Dialect(dialect.Postgres).Select().From("users").Where(filter.FieldEQ("id", 1)).ForUpdate()
		query, _ := s.Query()
		assert.Equal(t, "SELECT * FROM users WHERE id = $1 FOR UPDATE", query)
	})
	t.Run("nulls order", func(t *testing.T) {
		s := Dialect(dialect.MySQL).Select().From("users").OrderBy(filter.OrderAsc("name").NullsLast())
		s.Query()
		assert.Equal(t, prism.InvalidParameter, prism.CodeOf(s.Err()))

		s = Dialect(dialect.Postgres).Select().From("users").OrderBy(filter.OrderDesc("name").NullsLast(), filter.OrderAsc("id"))
		query, _ := s.Query()
		assert.Equal(t, "SELECT * FROM users ORDER BY name DESC NULLS LAST, id", query)
	})
}

func TestSelectorPaginate(t *testing.T) {
	s := Dialect(dialect.SQLServer).Select().From("users").
		OrderBy(filter.OrderAsc("id")).
		Paginate(filter.Page(0, 10))
	query, _ := s.Query()
	assert.Equal(t, "SELECT * FROM users ORDER BY id OFFSET 0 ROWS FETCH NEXT 10 ROWS ONLY", query)

	s = Dialect(dialect.Postgres).Select().From("users").Paginate(filter.Limit(5))
	query, _ = s.Query()
	assert.Equal(t, "SELECT * FROM users LIMIT 5", query)
}

func TestAggregate(t *testing.T) {
	assert.Equal(t, "COUNT(*) AS _count", Aggregate(dialect.Postgres, AggCount, ""))
	assert.Equal(t, "SUM(price) AS _sum_price", Aggregate(dialect.Postgres, AggSum, "price"))
	assert.Equal(t, "MAX(`order`) AS _max_order", Aggregate(dialect.MySQL, AggMax, "order"))
	assert.Equal(t, "_avg_score", AggregateAlias(AggAvg, "score"))

	s := Dialect(dialect.SQLServer).Select().
		AppendExpr(Aggregate(dialect.SQLServer, AggCount, "*")).
		From("logs").
		Where(filter.FieldGT("ts", 100))
	query, _ := s.Query()
	assert.Equal(t, "SELECT COUNT(*) AS _count FROM logs WHERE ts > @P1", query)
}
