package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/filter"
)

// validIdentifierRe validates SQL identifiers (alphanumeric, underscores, dots for schema.name)
var validIdentifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)

// isValidIdentifier checks if the string is a valid SQL identifier.
func isValidIdentifier(s string) bool {
	return s != "" && len(s) <= 128 && validIdentifierRe.MatchString(s)
}

// escapeStringValue escapes a string value for safe use in SQL.
// It escapes both single quotes (by doubling) and backslashes (for MySQL compatibility).
func escapeStringValue(s string) string {
	// Fast path: if no escaping needed, return as-is
	if !strings.ContainsAny(s, `'\`) {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "'", "''")
	return s
}

// Connector is a dialect.Connector over a database/sql pool. Each Connect
// pins one database/sql connection; the prism pool owns its lifecycle.
type Connector struct {
	db      *sql.DB
	backend *Backend
}

// Open opens the registered backend for dialect d with the connection URL.
func Open(d, url string) (*Connector, error) {
	b, err := Lookup(d)
	if err != nil {
		return nil, err
	}
	dsn := url
	if b.DSN != nil {
		if dsn, err = b.DSN(url); err != nil {
			return nil, prism.Wrap(prism.ConfigError, err, "invalid connection url")
		}
	}
	db, err := sql.Open(b.DriverName, dsn)
	if err != nil {
		return nil, prism.Wrap(prism.ConfigError, err, "open database")
	}
	// Connections are pooled by prism; database/sql must not keep its own
	// idle set, so closing a Conn closes the driver connection.
	db.SetMaxIdleConns(0)
	return &Connector{db: db, backend: b}, nil
}

// OpenDB wraps an existing *sql.DB with the backend registered for d. If
// no backend is registered, a default one without error classification is
// used.
func OpenDB(d string, db *sql.DB) *Connector {
	b, err := Lookup(d)
	if err != nil {
		b = &Backend{Dialect: d}
	}
	return &Connector{db: db, backend: b}
}

// DB returns the underlying *sql.DB instance.
func (c *Connector) DB() *sql.DB { return c.db }

// Backend returns the backend of the connector.
func (c *Connector) Backend() *Backend { return c.backend }

// Dialect implements the dialect.Connector interface.
func (c *Connector) Dialect() string { return c.backend.Dialect }

// Connect implements the dialect.Connector interface.
func (c *Connector) Connect(ctx context.Context) (dialect.Conn, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, c.classify(err, prism.ConnectTimeout)
	}
	cc := &Conn{conn: conn, backend: c.backend}
	for _, q := range c.backend.Init {
		if _, err := conn.ExecContext(ctx, q); err != nil {
			_ = conn.Close()
			return nil, c.classify(fmt.Errorf("init %q: %w", q, err), prism.ConnectTimeout)
		}
	}
	return cc, nil
}

// Close closes the underlying database.
func (c *Connector) Close() error { return c.db.Close() }

func (c *Connector) classify(err error, deadline prism.ErrorCode) error {
	return Classify(c.backend, err, deadline)
}

// Classify converts a native error into a *prism.Error. Context deadline
// errors are reported with the deadline code.
func Classify(b *Backend, err error, deadline prism.ErrorCode) error {
	if err == nil {
		return nil
	}
	if _, ok := prism.AsError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return prism.Wrap(deadline, err, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return prism.Wrap(prism.ConnectionLost, err, "canceled")
	case errors.Is(err, sql.ErrConnDone):
		return prism.Wrap(prism.ConnectionLost, err, "connection closed")
	case errors.Is(err, sql.ErrTxDone):
		return prism.Wrap(prism.TransactionClosed, err, "transaction closed")
	}
	if b != nil && b.Classify != nil {
		if code, ok := b.Classify(err); ok {
			return prism.Wrap(code, err, "")
		}
	}
	return prism.Wrap(prism.Internal, err, "")
}

// ExecQuerier wraps the standard Exec and Query methods.
type ExecQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Conn implements dialect.Conn over one database/sql connection.
type Conn struct {
	conn    *sql.Conn
	tx      *sql.Tx
	backend *Backend
	// vars holds the session variables currently set on the connection.
	vars map[string]string
	// reset holds the statements undoing the session state, in the
	// order they were recorded.
	reset []string
	seen  map[string]struct{}
}

// NewConn wraps a pinned database/sql connection.
func NewConn(conn *sql.Conn, b *Backend) *Conn {
	return &Conn{conn: conn, backend: b}
}

// Dialect implements the dialect.Conn interface.
func (c *Conn) Dialect() string { return c.backend.Dialect }

// Backend returns the backend of the connection.
func (c *Conn) Backend() *Backend { return c.backend }

func (c *Conn) ex() ExecQuerier {
	if c.tx != nil {
		return c.tx
	}
	return c.conn
}

// Exec implements the dialect.Exec method. args is []any or
// []filter.Value; v is nil or *dialect.Result.
func (c *Conn) Exec(ctx context.Context, query string, args, v any) error {
	vr, ok := v.(*dialect.Result)
	if v != nil && !ok {
		return prism.Errorf(prism.Internal, "dialect/sql: invalid type %T. expect *dialect.Result", v)
	}
	argv, err := c.args(args)
	if err != nil {
		return err
	}
	if err := c.maySetVars(ctx); err != nil {
		return c.classify(fmt.Errorf("set session vars: %w", err))
	}
	res, err := c.ex().ExecContext(ctx, query, argv...)
	if err != nil {
		return c.classify(err)
	}
	if vr != nil {
		// Drivers without support report an error; treat it as zero.
		vr.RowsAffected, _ = res.RowsAffected()
		vr.LastInsertID, _ = res.LastInsertId()
	}
	return nil
}

// Query implements the dialect.Query method. v must be *dialect.Rows.
func (c *Conn) Query(ctx context.Context, query string, args, v any) error {
	vr, ok := v.(*dialect.Rows)
	if !ok {
		return prism.Errorf(prism.Internal, "dialect/sql: invalid type %T. expect *dialect.Rows", v)
	}
	argv, err := c.args(args)
	if err != nil {
		return err
	}
	if err := c.maySetVars(ctx); err != nil {
		return c.classify(fmt.Errorf("set session vars: %w", err))
	}
	rows, err := c.ex().QueryContext(ctx, query, argv...)
	if err != nil {
		return c.classify(err)
	}
	defer rows.Close()
	if err := ScanRows(rows, vr); err != nil {
		return c.classify(err)
	}
	return nil
}

func (c *Conn) args(args any) ([]any, error) {
	switch args := args.(type) {
	case nil:
		return nil, nil
	case []any:
		return args, nil
	case []filter.Value:
		return c.backend.EncodeArgs(args)
	}
	return nil, prism.Errorf(prism.Internal, "dialect/sql: invalid type %T. expect []any or []filter.Value for args", args)
}

func (c *Conn) classify(err error) error {
	return Classify(c.backend, err, prism.StatementTimeout)
}

// BeginTx implements the dialect.Conn interface.
func (c *Conn) BeginTx(ctx context.Context, opts dialect.TxOptions) error {
	if c.tx != nil {
		return prism.New(prism.InvalidParameter, "transaction already open on connection")
	}
	tx, err := c.conn.BeginTx(ctx, &sql.TxOptions{Isolation: isolation(opts.Isolation), ReadOnly: opts.ReadOnly})
	if err != nil {
		return c.classify(err)
	}
	if opts.Deferrable && c.backend.Dialect == dialect.Postgres {
		if _, err := tx.ExecContext(ctx, "SET TRANSACTION DEFERRABLE"); err != nil {
			_ = tx.Rollback()
			return c.classify(err)
		}
	}
	c.tx = tx
	return nil
}

func isolation(i dialect.Isolation) sql.IsolationLevel {
	switch i {
	case dialect.ReadCommitted:
		return sql.LevelReadCommitted
	case dialect.RepeatableRead:
		return sql.LevelRepeatableRead
	case dialect.Serializable:
		return sql.LevelSerializable
	}
	return sql.LevelDefault
}

// Commit implements the dialect.Conn interface.
func (c *Conn) Commit(context.Context) error {
	if c.tx == nil {
		return prism.ErrTransactionClosed
	}
	tx := c.tx
	c.tx = nil
	return c.classify(tx.Commit())
}

// Rollback implements the dialect.Conn interface.
func (c *Conn) Rollback(context.Context) error {
	if c.tx == nil {
		return prism.ErrTransactionClosed
	}
	tx := c.tx
	c.tx = nil
	return c.classify(tx.Rollback())
}

// InTx implements the dialect.Conn interface.
func (c *Conn) InTx() bool { return c.tx != nil }

// SetSessionVar implements the dialect.Conn interface.
func (c *Conn) SetSessionVar(ctx context.Context, name, value string) error {
	if !isValidIdentifier(name) {
		return prism.Errorf(prism.InvalidParameter, "invalid session variable name: %q", name)
	}
	if cur, ok := c.vars[name]; ok && cur == value {
		return nil
	}
	var set, reset string
	switch c.backend.Dialect {
	case dialect.Postgres:
		set = fmt.Sprintf("SET %s = '%s'", name, escapeStringValue(value))
		reset = fmt.Sprintf("RESET %s", name)
	case dialect.MySQL:
		set = fmt.Sprintf("SET %s = '%s'", name, escapeStringValue(value))
		reset = fmt.Sprintf("SET %s = NULL", name)
	case dialect.SQLServer:
		set = fmt.Sprintf("EXEC sp_set_session_context @key = N'%s', @value = N'%s'", name, strings.ReplaceAll(value, "'", "''"))
		reset = fmt.Sprintf("EXEC sp_set_session_context @key = N'%s', @value = NULL", name)
	default:
		return prism.Errorf(prism.ConfigError, "session variables are not supported by %s", c.backend.Dialect)
	}
	if _, err := c.ex().ExecContext(ctx, set); err != nil {
		return c.classify(err)
	}
	if c.vars == nil {
		c.vars = make(map[string]string)
	}
	c.vars[name] = value
	c.record("var:"+name, reset)
	return nil
}

// SetSchema implements the dialect.Conn interface.
func (c *Conn) SetSchema(ctx context.Context, schema string) error {
	if !isValidIdentifier(schema) {
		return prism.Errorf(prism.InvalidParameter, "invalid schema name: %q", schema)
	}
	if cur, ok := c.vars["\x00schema"]; ok && cur == schema {
		return nil
	}
	switch c.backend.Dialect {
	case dialect.Postgres:
		if _, err := c.ex().ExecContext(ctx, "SET search_path TO "+Quote(dialect.Postgres, schema)); err != nil {
			return c.classify(err)
		}
		c.record("schema", "RESET search_path")
	case dialect.MySQL:
		if _, ok := c.seen["schema"]; !ok {
			var current sql.NullString
			if err := c.conn.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&current); err != nil {
				return c.classify(err)
			}
			if current.Valid && current.String != "" {
				c.record("schema", "USE "+Quote(dialect.MySQL, current.String))
			}
		}
		if _, err := c.ex().ExecContext(ctx, "USE "+Quote(dialect.MySQL, schema)); err != nil {
			return c.classify(err)
		}
	default:
		return prism.Errorf(prism.ConfigError, "schema switching is not supported by %s", c.backend.Dialect)
	}
	if c.vars == nil {
		c.vars = make(map[string]string)
	}
	c.vars["\x00schema"] = schema
	return nil
}

// record adds a reset statement once per key.
func (c *Conn) record(key, stmt string) {
	if c.seen == nil {
		c.seen = make(map[string]struct{})
	}
	if _, ok := c.seen[key]; ok {
		return
	}
	c.seen[key] = struct{}{}
	c.reset = append(c.reset, stmt)
}

// ResetSession implements the dialect.Conn interface. It runs with a
// fresh bounded context so a canceled caller does not leave session state
// behind.
func (c *Conn) ResetSession(context.Context) error {
	if len(c.reset) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(c.reset) - 1; i >= 0; i-- {
		if _, err := c.conn.ExecContext(ctx, c.reset[i]); err != nil {
			errs = append(errs, err)
		}
	}
	c.reset, c.seen, c.vars = nil, nil, nil
	if err := errors.Join(errs...); err != nil {
		return c.classify(err)
	}
	return nil
}

// Dirty reports whether the connection carries session state.
func (c *Conn) Dirty() bool { return len(c.reset) > 0 }

// Ping implements the dialect.Conn interface.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.conn.PingContext(ctx); err != nil {
		return Classify(c.backend, err, prism.ConnectTimeout)
	}
	return nil
}

// Close implements the dialect.Conn interface. An open transaction is
// rolled back.
func (c *Conn) Close() error {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	return c.conn.Close()
}

// ctxVarsKey is the key used for attaching and reading the context variables.
type ctxVarsKey struct{}

// sessionVars holds sessions/transactions variables to set before every statement.
type sessionVars struct {
	vars []struct{ k, v string }
}

// WithVar returns a new context that holds the session variable to be executed before every query.
func WithVar(ctx context.Context, name, value string) context.Context {
	sv, _ := ctx.Value(ctxVarsKey{}).(sessionVars)
	vars := make([]struct{ k, v string }, len(sv.vars), len(sv.vars)+1)
	copy(vars, sv.vars)
	sv.vars = append(vars, struct{ k, v string }{k: name, v: value})
	return context.WithValue(ctx, ctxVarsKey{}, sv)
}

// VarFromContext returns the session variable value from the context.
// The latest value set for name wins.
func VarFromContext(ctx context.Context, name string) (string, bool) {
	sv, _ := ctx.Value(ctxVarsKey{}).(sessionVars)
	for i := len(sv.vars) - 1; i >= 0; i-- {
		if sv.vars[i].k == name {
			return sv.vars[i].v, true
		}
	}
	return "", false
}

// maySetVars applies the context session variables before a statement.
// Variables already set to the same value are skipped.
func (c *Conn) maySetVars(ctx context.Context) error {
	sv, _ := ctx.Value(ctxVarsKey{}).(sessionVars)
	for _, s := range sv.vars {
		if err := c.SetSessionVar(ctx, s.k, s.v); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ dialect.Conn      = (*Conn)(nil)
	_ dialect.Connector = (*Connector)(nil)
)
