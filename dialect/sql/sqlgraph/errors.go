package sqlgraph

import (
	"errors"
	"strings"

	"github.com/syssam/prism"
)

// sqlStateError is an interface for errors that provide SQLSTATE codes.
// Implemented by: pq.Error, pgconn.PgError.
type sqlStateError interface {
	SQLState() string
}

// sqliteCoder is implemented by modernc.org/sqlite errors. The code is the
// extended result code.
type sqliteCoder interface {
	Code() int
}

// mssqlNumberer is implemented by go-mssqldb errors.
type mssqlNumberer interface {
	SQLErrorNumber() int32
	SQLErrorMessage() string
}

// sqlStates maps exact SQLSTATE codes. Classes are handled by sqlStateClasses.
var sqlStates = map[string]prism.ErrorCode{
	"23505": prism.UniqueConstraint,
	"23503": prism.ForeignKeyConstraint,
	"23502": prism.NotNullConstraint,
	"23514": prism.CheckConstraint,
	"40P01": prism.Deadlock,
	"40001": prism.SerializationFailure,
	"57014": prism.StatementTimeout, // query_canceled, raised by statement_timeout
	"57P01": prism.ConnectionLost,   // admin_shutdown
	"57P02": prism.ConnectionLost,   // crash_shutdown
	"57P03": prism.ConnectionLost,   // cannot_connect_now
	"53300": prism.PoolExhausted,    // too_many_connections
	"25P02": prism.TransactionClosed,
	"42601": prism.SQLSyntax,
	"42P01": prism.SchemaMismatch, // undefined_table
	"42703": prism.SchemaMismatch, // undefined_column
	"3F000": prism.SchemaMismatch, // invalid_schema_name
	"3D000": prism.ConfigError,    // invalid_catalog_name
	"28P01": prism.ConfigError,    // invalid_password
	"28000": prism.ConfigError,
}

var sqlStateClasses = map[string]prism.ErrorCode{
	"08": prism.ConnectionLost,
	"22": prism.TypeConversion,
	"42": prism.SQLSyntax,
}

// ClassifySQLState maps a SQLSTATE code to an error code.
func ClassifySQLState(state string) (prism.ErrorCode, bool) {
	if c, ok := sqlStates[state]; ok {
		return c, true
	}
	if len(state) == 5 {
		if c, ok := sqlStateClasses[state[:2]]; ok {
			return c, true
		}
	}
	return prism.Internal, false
}

// MySQL error numbers.
var mysqlNumbers = map[uint16]prism.ErrorCode{
	1062: prism.UniqueConstraint,     // ER_DUP_ENTRY
	1451: prism.ForeignKeyConstraint, // Cannot delete or update a parent row
	1452: prism.ForeignKeyConstraint, // Cannot add or update a child row
	1048: prism.NotNullConstraint,    // Column cannot be null
	1364: prism.NotNullConstraint,    // Field doesn't have a default value
	3819: prism.CheckConstraint,
	1213: prism.Deadlock,
	1205: prism.StatementTimeout, // Lock wait timeout exceeded
	3024: prism.StatementTimeout, // max_execution_time exceeded
	1040: prism.PoolExhausted,    // Too many connections
	1203: prism.PoolExhausted,    // max_user_connections
	2006: prism.ConnectionLost,   // server has gone away
	2013: prism.ConnectionLost,   // lost connection during query
	1053: prism.ConnectionLost,   // server shutdown in progress
	1064: prism.SQLSyntax,
	1146: prism.SchemaMismatch, // table doesn't exist
	1054: prism.SchemaMismatch, // unknown column
	1049: prism.ConfigError,    // unknown database
	1045: prism.ConfigError,    // access denied
	1366: prism.TypeConversion, // incorrect value for column
	1264: prism.TypeConversion, // out of range value
	1406: prism.TypeConversion, // data too long
}

// ClassifyMySQL maps a MySQL error number to an error code.
func ClassifyMySQL(number uint16) (prism.ErrorCode, bool) {
	c, ok := mysqlNumbers[number]
	return c, ok
}

// ClassifySQLServer maps a SQL Server error number to an error code. Error
// 547 covers both foreign key and check constraints, told apart by msg.
func ClassifySQLServer(number int32, msg string) (prism.ErrorCode, bool) {
	switch number {
	case 2627, 2601:
		return prism.UniqueConstraint, true
	case 547:
		if strings.Contains(msg, "CHECK") {
			return prism.CheckConstraint, true
		}
		return prism.ForeignKeyConstraint, true
	case 515:
		return prism.NotNullConstraint, true
	case 1205:
		return prism.Deadlock, true
	case 3960:
		return prism.SerializationFailure, true // snapshot isolation update conflict
	case 1222:
		return prism.StatementTimeout, true // lock request time out
	case 102, 156, 170:
		return prism.SQLSyntax, true
	case 207, 208:
		return prism.SchemaMismatch, true // invalid column, invalid object name
	case 245, 8114, 8115:
		return prism.TypeConversion, true
	case 4060, 18456:
		return prism.ConfigError, true
	case 10053, 10054, 233:
		return prism.ConnectionLost, true
	}
	return prism.Internal, false
}

// SQLite result codes.
const (
	sqliteBusy              = 5
	sqliteLocked            = 6
	sqliteFull              = 13
	sqliteConstraint        = 19
	sqliteMismatch          = 20
	sqliteConstraintCheck   = 275
	sqliteConstraintFK      = 787
	sqliteConstraintNotNull = 1299
	sqliteConstraintPK      = 1555
	sqliteConstraintUnique  = 2067
)

// ClassifySQLite maps a SQLite extended result code to an error code.
// Primary codes fall back to the message.
func ClassifySQLite(code int, msg string) (prism.ErrorCode, bool) {
	switch code {
	case sqliteConstraintUnique, sqliteConstraintPK:
		return prism.UniqueConstraint, true
	case sqliteConstraintFK:
		return prism.ForeignKeyConstraint, true
	case sqliteConstraintNotNull:
		return prism.NotNullConstraint, true
	case sqliteConstraintCheck:
		return prism.CheckConstraint, true
	case sqliteMismatch:
		return prism.TypeConversion, true
	case sqliteFull:
		return prism.Internal, true
	}
	switch code & 0xff {
	case sqliteBusy, sqliteLocked:
		return prism.Deadlock, true
	case sqliteConstraint:
		if c, ok := classifyMessage(msg); ok {
			return c, true
		}
		return prism.CheckConstraint, true
	}
	return classifyMessage(msg)
}

// messages holds substring fallbacks for drivers that do not expose codes.
var messages = []struct {
	code prism.ErrorCode
	subs []string
}{
	{prism.UniqueConstraint, []string{
		"Error 1062",                 // MySQL (string fallback)
		"violates unique constraint", // Postgres (string fallback)
		"UNIQUE constraint failed",   // SQLite
		"Violation of UNIQUE KEY",    // SQL Server
		"Violation of PRIMARY KEY",   // SQL Server
	}},
	{prism.ForeignKeyConstraint, []string{
		"Error 1451",                      // MySQL (Cannot delete or update a parent row)
		"Error 1452",                      // MySQL (Cannot add or update a child row)
		"violates foreign key constraint", // Postgres
		"FOREIGN KEY constraint failed",   // SQLite
	}},
	{prism.NotNullConstraint, []string{
		"violates not-null constraint", // Postgres
		"NOT NULL constraint failed",   // SQLite
		"cannot be null",               // MySQL
	}},
	{prism.CheckConstraint, []string{
		"Error 3819",                // MySQL
		"violates check constraint", // Postgres
		"CHECK constraint failed",   // SQLite
	}},
	{prism.Deadlock, []string{"deadlock", "database is locked", "database table is locked"}},
	{prism.SerializationFailure, []string{"could not serialize access"}},
	{prism.SchemaMismatch, []string{"no such table", "no such column"}},
	{prism.SQLSyntax, []string{"syntax error"}},
	{prism.ConnectionLost, []string{
		"bad connection",
		"broken pipe",
		"connection reset by peer",
		"connection refused",
		"server closed the connection",
		"invalid connection",
	}},
}

func classifyMessage(msg string) (prism.ErrorCode, bool) {
	for _, m := range messages {
		if containsAny(msg, m.subs...) {
			return m.code, true
		}
	}
	return prism.Internal, false
}

// Classify maps a native driver error to an error code. Errors exposing a
// SQLSTATE, a SQLite result code or a SQL Server error number are
// classified by code; others by message. The boolean is false when the
// error is unknown.
func Classify(err error) (prism.ErrorCode, bool) {
	if err == nil {
		return prism.Internal, false
	}
	if e, ok := prism.AsError(err); ok {
		return e.Code, true
	}
	if e, ok := asError[sqlStateError](err); ok {
		if c, ok := ClassifySQLState(e.SQLState()); ok {
			return c, true
		}
	}
	if e, ok := asError[mssqlNumberer](err); ok {
		if c, ok := ClassifySQLServer(e.SQLErrorNumber(), e.SQLErrorMessage()); ok {
			return c, true
		}
	}
	if e, ok := asError[sqliteCoder](err); ok {
		if c, ok := ClassifySQLite(e.Code(), err.Error()); ok {
			return c, true
		}
	}
	return classifyMessage(err.Error())
}

// IsConstraintError returns true if the error resulted from a database constraint violation.
func IsConstraintError(err error) bool {
	switch c, _ := Classify(err); c {
	case prism.UniqueConstraint, prism.ForeignKeyConstraint, prism.NotNullConstraint, prism.CheckConstraint:
		return true
	}
	return false
}

// IsUniqueConstraintError reports if the error resulted from a DB uniqueness constraint violation.
// e.g. duplicate value in unique index.
func IsUniqueConstraintError(err error) bool {
	c, _ := Classify(err)
	return c == prism.UniqueConstraint
}

// IsForeignKeyConstraintError reports if the error resulted from a database foreign-key constraint violation.
// e.g. parent row does not exist.
func IsForeignKeyConstraintError(err error) bool {
	c, _ := Classify(err)
	return c == prism.ForeignKeyConstraint
}

// IsCheckConstraintError reports if the error resulted from a database check constraint violation.
func IsCheckConstraintError(err error) bool {
	c, _ := Classify(err)
	return c == prism.CheckConstraint
}

// asError attempts to extract an error implementing interface T from the error chain.
func asError[T any](err error) (T, bool) {
	var target T
	for err != nil {
		if e, ok := err.(T); ok {
			return e, true
		}
		err = errors.Unwrap(err)
	}
	return target, false
}

// containsAny returns true if s contains any of the substrings.
func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
