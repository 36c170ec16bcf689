// Package dialect defines the backend boundary of prism.
//
// Each backend is identified by a constant string:
//
//	dialect.Postgres  = "postgres"
//	dialect.MySQL     = "mysql"
//	dialect.SQLite    = "sqlite"
//	dialect.SQLServer = "sqlserver"
//	dialect.MongoDB   = "mongodb"
//
// # Conn Interface
//
// A pool yields Conn values. A Conn executes statements, owns at most one
// open transaction, and carries session state (variables, schema) that is
// reset before the connection is reused:
//
//	type Conn interface {
//	    Exec(ctx context.Context, query string, args, v any) error
//	    Query(ctx context.Context, query string, args, v any) error
//	    BeginTx(ctx context.Context, opts TxOptions) error
//	    Commit(ctx context.Context) error
//	    Rollback(ctx context.Context) error
//	    SetSessionVar(ctx context.Context, name, value string) error
//	    SetSchema(ctx context.Context, schema string) error
//	    ResetSession(ctx context.Context) error
//	    Ping(ctx context.Context) error
//	    Close() error
//	}
//
// For SQL backends, Query scans into *Rows and Exec into *Result. Document
// backends manage their own connections and implement the engine executor
// directly.
//
// # Sub-packages
//
//   - dialect/sql: SQL composition and the database/sql connection adapter
//   - dialect/sql/schema: live schema drift validation
//   - dialect/sql/sqlgraph: relation query shapes and error classification
package dialect
