package dialect

import (
	"context"
	"strings"
)

// Dialect names.
const (
	Postgres  = "postgres"
	MySQL     = "mysql"
	SQLite    = "sqlite"
	SQLServer = "sqlserver"
	MongoDB   = "mongodb"
	ScyllaDB  = "scylladb"
	DuckDB    = "duckdb"
)

// Normalize maps provider aliases used in configuration files and URLs
// to dialect names. Unknown names are returned lower-cased.
func Normalize(name string) string {
	switch n := strings.ToLower(name); n {
	case "postgresql", "postgres", "pg", "pgx":
		return Postgres
	case "mysql", "mariadb":
		return MySQL
	case "sqlite", "sqlite3", "file":
		return SQLite
	case "mssql", "sqlserver":
		return SQLServer
	case "mongodb", "mongo", "mongodb+srv":
		return MongoDB
	case "scylladb", "scylla", "cassandra":
		return ScyllaDB
	default:
		return n
	}
}

// IsSQL reports whether the dialect speaks SQL text.
func IsSQL(name string) bool {
	switch name {
	case Postgres, MySQL, SQLite, SQLServer, DuckDB:
		return true
	}
	return false
}

// ExecQuerier wraps the 2 database operations.
type ExecQuerier interface {
	// Exec executes a query that does not return records. For example, in SQL, INSERT or UPDATE.
	// It scans the result into the pointer v. For SQL drivers, it is *Result.
	Exec(ctx context.Context, query string, args, v any) error
	// Query executes a query that returns rows, typically a SELECT in SQL.
	// It scans the result into the pointer v. For SQL drivers, it is *Rows.
	Query(ctx context.Context, query string, args, v any) error
}

// Conn is a backend connection yielded by a pool. A Conn is used by one
// caller at a time.
type Conn interface {
	ExecQuerier
	// Dialect returns the dialect of the connection.
	Dialect() string
	// BeginTx starts a transaction on the connection. Statements run on
	// the transaction until Commit or Rollback.
	BeginTx(ctx context.Context, opts TxOptions) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// InTx reports whether a transaction is open.
	InTx() bool
	// SetSessionVar sets a connection-scoped variable.
	SetSessionVar(ctx context.Context, name, value string) error
	// SetSchema switches the schema (search path or database) of the
	// connection.
	SetSchema(ctx context.Context, schema string) error
	// ResetSession undoes SetSessionVar and SetSchema.
	ResetSession(ctx context.Context) error
	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
	// Close closes the connection.
	Close() error
}

// Connector dials new connections.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
	Dialect() string
	Close() error
}

// Record is one decoded row keyed by column name.
type Record = map[string]any

// Rows is a fully materialized result set.
type Rows struct {
	Columns []string
	Records []Record
}

// Len returns the number of records.
func (r *Rows) Len() int { return len(r.Records) }

// Result is the outcome of a statement that returns no rows.
type Result struct {
	RowsAffected int64
	LastInsertID int64
}

// Isolation is a transaction isolation level.
type Isolation uint8

// Isolation levels.
const (
	IsolationDefault Isolation = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

// String returns the SQL name of the level.
func (i Isolation) String() string {
	switch i {
	case ReadCommitted:
		return "READ COMMITTED"
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	}
	return "DEFAULT"
}

// TxOptions holds the transaction options.
type TxOptions struct {
	Isolation Isolation
	ReadOnly  bool
	// Deferrable is honored by PostgreSQL for serializable read-only
	// transactions and ignored elsewhere.
	Deferrable bool
}
