package sql

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/filter"
)

func mockConn(t *testing.T, d string) (*Conn, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	c, err := OpenDB(d, db).Connect(context.Background())
	require.NoError(t, err)
	return c.(*Conn), mock
}

func TestWithVars(t *testing.T) {
	ctx := context.Background()
	conn, mock := mockConn(t, dialect.Postgres)
	mock.ExpectExec("SET foo = 'bar'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	rows := &dialect.Rows{}
	err := conn.Query(WithVar(ctx, "foo", "bar"), "SELECT 1", []any{}, rows)
	require.NoError(t, err)
	require.Equal(t, 1, rows.Len())
	require.NoError(t, mock.ExpectationsWereMet())

	// Same value is not set twice on the same connection.
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	err = conn.Query(WithVar(ctx, "foo", "bar"), "SELECT 1", []any{}, &dialect.Rows{})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectExec("SET foo = 'baz'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET foo = 'it''s'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO users DEFAULT VALUES").WillReturnResult(sqlmock.NewResult(0, 0))
	err = conn.Exec(
		WithVar(WithVar(ctx, "foo", "baz"), "foo", "it's"),
		"INSERT INTO users DEFAULT VALUES",
		[]any{},
		nil,
	)
	require.NoError(t, err)
	require.True(t, conn.Dirty())

	mock.ExpectExec("RESET foo").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, conn.ResetSession(ctx))
	require.False(t, conn.Dirty())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVarFromContext(t *testing.T) {
	ctx := WithVar(WithVar(context.Background(), "a", "1"), "a", "2")
	v, ok := VarFromContext(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
	_, ok = VarFromContext(ctx, "b")
	assert.False(t, ok)
}

func TestSessionVarDialects(t *testing.T) {
	ctx := context.Background()
	t.Run("mysql", func(t *testing.T) {
		conn, mock := mockConn(t, dialect.MySQL)
		mock.ExpectExec("SET app_tenant = 't1'").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("SET app_tenant = NULL").WillReturnResult(sqlmock.NewResult(0, 0))
		require.NoError(t, conn.SetSessionVar(ctx, "app_tenant", "t1"))
		require.NoError(t, conn.ResetSession(ctx))
		require.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("sqlserver", func(t *testing.T) {
		conn, mock := mockConn(t, dialect.SQLServer)
		mock.ExpectExec("EXEC sp_set_session_context @key = N'tenant', @value = N't1'").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("EXEC sp_set_session_context @key = N'tenant', @value = NULL").WillReturnResult(sqlmock.NewResult(0, 0))
		require.NoError(t, conn.SetSessionVar(ctx, "tenant", "t1"))
		require.NoError(t, conn.ResetSession(ctx))
		require.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("sqlite", func(t *testing.T) {
		conn, _ := mockConn(t, dialect.SQLite)
		err := conn.SetSessionVar(ctx, "tenant", "t1")
		require.Error(t, err)
		assert.Equal(t, prism.ConfigError, prism.CodeOf(err))
	})
	t.Run("invalid name", func(t *testing.T) {
		conn, _ := mockConn(t, dialect.Postgres)
		err := conn.SetSessionVar(ctx, "foo; DROP TABLE users", "x")
		require.Error(t, err)
		assert.Equal(t, prism.InvalidParameter, prism.CodeOf(err))
	})
}

func TestSetSchema(t *testing.T) {
	ctx := context.Background()
	t.Run("postgres", func(t *testing.T) {
		conn, mock := mockConn(t, dialect.Postgres)
		mock.ExpectExec("SET search_path TO tenant_a").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("RESET search_path").WillReturnResult(sqlmock.NewResult(0, 0))
		require.NoError(t, conn.SetSchema(ctx, "tenant_a"))
		// Already selected.
		require.NoError(t, conn.SetSchema(ctx, "tenant_a"))
		require.NoError(t, conn.ResetSession(ctx))
		require.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("mysql", func(t *testing.T) {
		conn, mock := mockConn(t, dialect.MySQL)
		mock.ExpectQuery("SELECT DATABASE()").WillReturnRows(sqlmock.NewRows([]string{"DATABASE()"}).AddRow("app"))
		mock.ExpectExec("USE tenant_a").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("USE app").WillReturnResult(sqlmock.NewResult(0, 0))
		require.NoError(t, conn.SetSchema(ctx, "tenant_a"))
		require.NoError(t, conn.ResetSession(ctx))
		require.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("sqlserver", func(t *testing.T) {
		conn, _ := mockConn(t, dialect.SQLServer)
		err := conn.SetSchema(ctx, "tenant_a")
		assert.Equal(t, prism.ConfigError, prism.CodeOf(err))
	})
}

func TestOpenDB(t *testing.T) {
	tests := []struct {
		name    string
		dialect string
	}{
		{"postgres", dialect.Postgres},
		{"mysql", dialect.MySQL},
		{"sqlite", dialect.SQLite},
		{"sqlserver", dialect.SQLServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, _, err := sqlmock.New()
			require.NoError(t, err)
			c := OpenDB(tt.dialect, db)
			require.NotNil(t, c)
			assert.Equal(t, tt.dialect, c.Dialect())
			assert.Equal(t, db, c.DB())
		})
	}
}

func TestOpenUnknownDialect(t *testing.T) {
	_, err := Open("nosuchdb", "nosuchdb://localhost")
	require.Error(t, err)
	assert.Equal(t, prism.ConfigError, prism.CodeOf(err))
}

func TestConnectInit(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	c := &Connector{db: db, backend: &Backend{Dialect: dialect.Postgres, Init: []string{"SET TIME ZONE 'UTC'"}}}
	mock.ExpectExec("SET TIME ZONE 'UTC'").WillReturnResult(sqlmock.NewResult(0, 0))
	conn, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dialect.Postgres, conn.Dialect())
	require.NoError(t, conn.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnQuery(t *testing.T) {
	conn, mock := mockConn(t, dialect.Postgres)
	t.Run("rows", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, name FROM users WHERE id = $1").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
				AddRow(1, []byte("Alice")))
		rows := &dialect.Rows{}
		err := conn.Query(context.Background(), "SELECT id, name FROM users WHERE id = $1", filter.Values(1), rows)
		require.NoError(t, err)
		assert.Equal(t, []string{"id", "name"}, rows.Columns)
		require.Len(t, rows.Records, 1)
		assert.Equal(t, "Alice", rows.Records[0]["name"])
		assert.Equal(t, 1, rows.Records[0]["id"])
	})
	t.Run("null values", func(t *testing.T) {
		mock.ExpectQuery("SELECT name, email FROM users").
			WillReturnRows(sqlmock.NewRows([]string{"name", "email"}).
				AddRow("Bob", nil))
		rows := &dialect.Rows{}
		require.NoError(t, conn.Query(context.Background(), "SELECT name, email FROM users", nil, rows))
		assert.Nil(t, rows.Records[0]["email"])
	})
	t.Run("invalid target", func(t *testing.T) {
		err := conn.Query(context.Background(), "SELECT 1", nil, &dialect.Result{})
		assert.Equal(t, prism.Internal, prism.CodeOf(err))
	})
	t.Run("list argument", func(t *testing.T) {
		err := conn.Query(context.Background(), "SELECT 1", []filter.Value{filter.List(filter.Int(1))}, &dialect.Rows{})
		assert.Equal(t, prism.TypeConversion, prism.CodeOf(err))
	})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnExec(t *testing.T) {
	conn, mock := mockConn(t, dialect.MySQL)
	mock.ExpectExec("INSERT INTO users (name) VALUES (?)").
		WithArgs("Alice").
		WillReturnResult(sqlmock.NewResult(7, 1))
	var res dialect.Result
	err := conn.Exec(context.Background(), "INSERT INTO users (name) VALUES (?)", filter.Values("Alice"), &res)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.LastInsertID)
	assert.Equal(t, int64(1), res.RowsAffected)

	err = conn.Exec(context.Background(), "DELETE FROM users", nil, &dialect.Rows{})
	assert.Equal(t, prism.Internal, prism.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnTransaction(t *testing.T) {
	ctx := context.Background()
	t.Run("commit", func(t *testing.T) {
		conn, mock := mockConn(t, dialect.Postgres)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE users SET active = true").WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectCommit()
		require.NoError(t, conn.BeginTx(ctx, dialect.TxOptions{Isolation: dialect.Serializable}))
		require.True(t, conn.InTx())
		require.Error(t, conn.BeginTx(ctx, dialect.TxOptions{}))
		require.NoError(t, conn.Exec(ctx, "UPDATE users SET active = true", nil, nil))
		require.NoError(t, conn.Commit(ctx))
		require.False(t, conn.InTx())
		assert.ErrorIs(t, conn.Commit(ctx), prism.ErrTransactionClosed)
		require.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("rollback", func(t *testing.T) {
		conn, mock := mockConn(t, dialect.Postgres)
		mock.ExpectBegin()
		mock.ExpectExec("SET TRANSACTION DEFERRABLE").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()
		require.NoError(t, conn.BeginTx(ctx, dialect.TxOptions{Isolation: dialect.Serializable, ReadOnly: true, Deferrable: true}))
		require.NoError(t, conn.Rollback(ctx))
		assert.ErrorIs(t, conn.Rollback(ctx), prism.ErrTransactionClosed)
		require.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("close rolls back", func(t *testing.T) {
		conn, mock := mockConn(t, dialect.MySQL)
		mock.ExpectBegin()
		mock.ExpectRollback()
		require.NoError(t, conn.BeginTx(ctx, dialect.TxOptions{}))
		require.NoError(t, conn.Close())
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	sc, err := db.Conn(ctx)
	require.NoError(t, err)
	unique := errors.New("duplicate key value violates unique constraint")
	conn := NewConn(sc, &Backend{
		Dialect: dialect.Postgres,
		Classify: func(err error) (prism.ErrorCode, bool) {
			if errors.Is(err, unique) {
				return prism.UniqueConstraint, true
			}
			return 0, false
		},
	})
	mock.ExpectExec("INSERT INTO users DEFAULT VALUES").WillReturnError(unique)
	mock.ExpectQuery("SELECT 1").WillReturnError(context.DeadlineExceeded)
	mock.ExpectQuery("SELECT 2").WillReturnError(errors.New("boom"))

	err = conn.Exec(ctx, "INSERT INTO users DEFAULT VALUES", nil, nil)
	assert.True(t, prism.IsConstraintError(err))
	assert.ErrorIs(t, err, unique)

	err = conn.Query(ctx, "SELECT 1", nil, &dialect.Rows{})
	assert.Equal(t, prism.StatementTimeout, prism.CodeOf(err))
	assert.True(t, prism.IsRecoverable(err))

	err = conn.Query(ctx, "SELECT 2", nil, &dialect.Rows{})
	assert.Equal(t, prism.Internal, prism.CodeOf(err))
	assert.False(t, prism.IsRecoverable(err))
	require.NoError(t, mock.ExpectationsWereMet())

	assert.NoError(t, Classify(nil, nil, prism.ConnectTimeout))
	assert.Equal(t, prism.ConnectTimeout, prism.CodeOf(Classify(nil, context.DeadlineExceeded, prism.ConnectTimeout)))
}

func TestEscapeStringValue(t *testing.T) {
	assert.Equal(t, "plain", escapeStringValue("plain"))
	assert.Equal(t, "it''s", escapeStringValue("it's"))
	assert.Equal(t, `a\\b`, escapeStringValue(`a\b`))
	assert.True(t, isValidIdentifier("app.tenant_id"))
	assert.False(t, isValidIdentifier("1abc"))
	assert.False(t, isValidIdentifier(""))
}
