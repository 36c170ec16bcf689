package engine

import (
	"context"
	"slices"
	"time"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/middleware"
	"github.com/syssam/prism/pool"
	"github.com/syssam/prism/tenant"
)

// binding is a connection together with the session state set on it.
type binding struct {
	conn   *pool.Conn
	schema string
	vars   map[string]string
}

// prepare applies the schema and session variables of a statement.
func (b *binding) prepare(ctx context.Context, meta *middleware.Meta) error {
	if meta.Schema != "" && meta.Schema != b.schema {
		if err := b.conn.SetSchema(ctx, meta.Schema); err != nil {
			return err
		}
		b.schema = meta.Schema
	}
	if len(meta.SessionVars) == 0 {
		return nil
	}
	names := make([]string, 0, len(meta.SessionVars))
	for name := range meta.SessionVars {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		v := meta.SessionVars[name]
		if cur, ok := b.vars[name]; ok && cur == v {
			continue
		}
		if err := b.conn.SetSessionVar(ctx, name, v); err != nil {
			return err
		}
		if b.vars == nil {
			b.vars = make(map[string]string)
		}
		b.vars[name] = v
	}
	return nil
}

// session runs the statements of one operation. Outside a transaction it
// acquires a connection on the first statement and keeps it until close;
// inside one it borrows the connection of the transaction.
type session struct {
	c       *Client
	model   string
	tenant  string
	tx      *Tx
	b       *binding
	txOpts  dialect.TxOptions
	handler middleware.Handler
}

func (c *Client) session(model, tenant string) *session {
	s := &session{c: c, model: model, tenant: tenant, tx: c.tx}
	if c.tx != nil {
		s.b = c.tx.b
	}
	s.handler = c.chain.Then(s)
	return s
}

// close releases the connection of a session that owns one.
func (s *session) close() {
	if s.tx == nil && s.b != nil {
		s.b.conn.Release()
		s.b = nil
	}
}

func (s *session) bind(ctx context.Context, database string) (*binding, error) {
	if s.b != nil {
		if s.tx != nil || !s.b.conn.Broken() {
			return s.b, nil
		}
		s.b.conn.Release()
		s.b = nil
	}
	var (
		conn *pool.Conn
		err  error
	)
	switch {
	case database != "" && s.c.router != nil:
		conn, err = s.c.router.Acquire(ctx, database)
	case database != "":
		return nil, prism.Errorf(prism.ConfigError, "statement is routed to database %q but the client has no router", database).
			WithSuggestion("open the client with WithRouter")
	default:
		conn, err = s.c.source.Acquire(ctx)
	}
	if err != nil {
		return nil, err
	}
	s.b = &binding{conn: conn}
	return s.b, nil
}

// Handle is the innermost handler of the chain: it runs the statement on
// the connection of the session.
func (s *session) Handle(ctx context.Context, q *middleware.QueryContext) (*middleware.Response, error) {
	if s.tx != nil {
		s.tx.mu.Lock()
		defer s.tx.mu.Unlock()
		if s.tx.done && q.Type != middleware.TypeTxCommit && q.Type != middleware.TypeTxRollback {
			return nil, prism.ErrTransactionClosed
		}
	}
	b, err := s.bind(ctx, q.Meta.Database)
	if err != nil {
		return nil, err
	}
	if err := b.prepare(ctx, &q.Meta); err != nil {
		return nil, err
	}
	resp := &middleware.Response{}
	switch q.Type {
	case middleware.TypeTxBegin:
		err = b.conn.BeginTx(ctx, s.txOpts)
	case middleware.TypeTxCommit:
		err = b.conn.Commit(ctx)
	case middleware.TypeTxRollback:
		err = b.conn.Rollback(ctx)
	default:
		if q.Rows {
			var rows dialect.Rows
			err = b.conn.Query(ctx, q.SQL, q.Args, &rows)
			resp.Rows = &rows
		} else {
			err = b.conn.Exec(ctx, q.SQL, q.Args, &resp.Result)
		}
	}
	if err != nil {
		return nil, err
	}
	resp.Elapsed = q.Elapsed()
	return resp, nil
}

// run sends st through the middleware chain.
func (s *session) run(ctx context.Context, st *Statement, op string) (*middleware.Response, error) {
	if s.tx != nil && !s.tx.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, s.tx.deadline)
		defer cancel()
	}
	q := middleware.NewQueryContext(st.Type, st.Text, st.Args)
	q.Rows = st.Rows
	q.Meta.Model = s.model
	q.Meta.Operation = op
	q.Meta.TenantID = s.tenant
	if q.Meta.TenantID == "" {
		// Middleware running before the tenant middleware, such as the
		// response cache, keys on the tenant of the context.
		if tc, ok := tenant.FromContext(ctx); ok && !tc.Bypass {
			q.Meta.TenantID = tc.ID
		}
	}
	q.Meta.InTx = s.tx != nil
	resp, err := s.handler.Handle(ctx, q)
	if err != nil {
		return nil, annotate(err, q)
	}
	return resp, nil
}

// records runs st and returns its rows.
func (s *session) records(ctx context.Context, st *Statement, op string) ([]dialect.Record, error) {
	resp, err := s.run(ctx, st, op)
	if err != nil {
		return nil, err
	}
	if resp.Rows == nil {
		return nil, nil
	}
	return resp.Rows.Records, nil
}

// annotate adds the origin of the statement to err. The code is kept.
func annotate(err error, q *middleware.QueryContext) error {
	e, ok := prism.AsError(err)
	if !ok {
		e = prism.New(prism.Internal, err.Error()).WithCause(err)
	}
	if q.Meta.Operation != "" {
		e = e.With("operation", q.Meta.Operation)
	}
	if q.Meta.Model != "" {
		e = e.With("model", q.Meta.Model)
	}
	if q.Meta.RequestID != "" {
		e = e.With("request_id", q.Meta.RequestID)
	}
	if q.Meta.TenantID != "" {
		e = e.With("tenant_id", q.Meta.TenantID)
	}
	return e
}

// lower lowers p with the lowerer of the client.
func (c *Client) lower(p *Plan) (*Statement, error) {
	st, err := c.lowerer.Lower(p)
	if err != nil {
		return nil, err
	}
	if st.Type == middleware.TypeSelect && p.Op != OpFind {
		st.Type = p.Op.QueryType()
	}
	return st, nil
}

// deadline returns the absolute deadline of a timeout, or the zero time.
func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
