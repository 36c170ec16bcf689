package engine

import (
	"context"

	"github.com/syssam/prism/dialect"
	sqlb "github.com/syssam/prism/dialect/sql"
	"github.com/syssam/prism/filter"
	"github.com/syssam/prism/middleware"
)

// RawQuery is a hand written statement. It runs through the middleware
// chain but skips lowering; its placeholders must match the dialect.
type RawQuery struct {
	c      *Client
	text   string
	args   []filter.Value
	model  string
	tenant string
}

// Raw returns a raw statement with args bound to its placeholders.
func (c *Client) Raw(query string, args ...any) *RawQuery {
	return &RawQuery{c: c, text: query, args: filter.Values(args...)}
}

// FromPostgres converts $n placeholders to the @Pn form on SQL Server.
// Other dialects are left unchanged.
func (r *RawQuery) FromPostgres() *RawQuery {
	if r.c.dialect == dialect.SQLServer {
		r.text = sqlb.PostgresToSQLServer(r.text)
	}
	return r
}

// Model names the model the statement reads or writes, for middleware
// such as the response cache.
func (r *RawQuery) Model(name string) *RawQuery {
	r.model = name
	return r
}

// Tenant runs the statement for the tenant id.
func (r *RawQuery) Tenant(id string) *RawQuery {
	r.tenant = id
	return r
}

// SQL returns the statement text.
func (r *RawQuery) SQL() string { return r.text }

// Query runs the statement and returns its rows.
func (r *RawQuery) Query(ctx context.Context) ([]dialect.Record, error) {
	s := r.c.session(r.model, r.tenant)
	defer s.close()
	return s.records(ctx, &Statement{Text: r.text, Args: r.args, Type: middleware.TypeRaw, Rows: true}, "raw_query")
}

// Exec runs the statement and returns the number of affected rows.
func (r *RawQuery) Exec(ctx context.Context) (int64, error) {
	s := r.c.session(r.model, r.tenant)
	defer s.close()
	resp, err := s.run(ctx, &Statement{Text: r.text, Args: r.args, Type: middleware.TypeRaw}, "raw_execute")
	if err != nil {
		return 0, err
	}
	return resp.Result.RowsAffected, nil
}
