// Package sql composes SQL statements from filter trees and runs them over
// database/sql connections.
//
// # Builder Types
//
// The package provides specialized builders for different SQL operations:
//
//   - Builder: Low-level SQL writer with identifier quoting and placeholders
//   - Selector: SELECT with joins, predicates, ordering and pagination
//   - InsertBuilder: INSERT with multi-row values and RETURNING
//   - UpdateBuilder: UPDATE with SET and WHERE clauses
//   - DeleteBuilder: DELETE with WHERE predicates
//   - UpsertBuilder: ON CONFLICT, ON DUPLICATE KEY or MERGE
//
// # Dialect Support
//
// Placeholders and quoting adapt to the dialect:
//
//	sql.Dialect(dialect.Postgres).
//		Select().
//		From("users").
//		Where(filter.FieldEQ("status", "active"))
//	// SELECT * FROM users WHERE status = $1
//
//	sql.Dialect(dialect.SQLServer).
//		Select().
//		From("users").
//		OrderBy(filter.OrderDesc("created_at")).
//		Limit(10)
//	// SELECT * FROM users ORDER BY created_at DESC OFFSET 0 ROWS FETCH NEXT 10 ROWS ONLY
//
// Filters are normalized before lowering, so an empty IN list becomes
// 1 = 0 and equality with null becomes IS NULL. Parameters are allocated
// left to right, one per value, and IN lists expand to one placeholder
// per element.
//
// # Backends
//
// Driver packages register a Backend describing the database/sql driver
// name, the URL to DSN conversion, parameter encoding and native error
// classification. Open looks the backend up by dialect name:
//
//	import _ "github.com/syssam/prism/driver/postgres"
//
//	c, err := sql.Open("postgres", "postgres://localhost/app")
package sql
