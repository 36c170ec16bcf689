package engine

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

func TestWithTx(t *testing.T) {
	ctx := context.Background()
	t.Run("commit", func(t *testing.T) {
		c, mock := mockClient(t, dialect.Postgres)
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM users WHERE id = $1").
			WithArgs(1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT COUNT(*) AS _count FROM users").
			WillReturnRows(sqlmock.NewRows([]string{"_count"}).AddRow(0))
		mock.ExpectCommit()
		err := c.WithTx(ctx, TxConfig{}, func(tx *Tx) error {
			assert.True(t, tx.Client().InTx())
			if _, err := tx.Model("User").Delete(filter.FieldEQ("id", 1)).Exec(ctx); err != nil {
				return err
			}
			n, err := tx.Model("User").Count().Exec(ctx)
			assert.Zero(t, n)
			return err
		})
		require.NoError(t, err)
		assert.False(t, c.InTx())
		require.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("rollback on error", func(t *testing.T) {
		c, mock := mockClient(t, dialect.Postgres)
		mock.ExpectBegin()
		mock.ExpectRollback()
		boom := errors.New("boom")
		err := c.WithTx(ctx, TxConfig{}, func(*Tx) error { return boom })
		assert.ErrorIs(t, err, boom)
		require.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("rollback on panic", func(t *testing.T) {
		c, mock := mockClient(t, dialect.Postgres)
		mock.ExpectBegin()
		mock.ExpectRollback()
		assert.PanicsWithValue(t, "boom", func() {
			_ = c.WithTx(ctx, TxConfig{}, func(*Tx) error { panic("boom") })
		})
		require.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("begin fails", func(t *testing.T) {
		c, mock := mockClient(t, dialect.Postgres)
		mock.ExpectBegin().WillReturnError(assert.AnError)
		called := false
		err := c.WithTx(ctx, TxConfig{}, func(*Tx) error {
			called = true
			return nil
		})
		require.Error(t, err)
		assert.False(t, called)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSavepoint(t *testing.T) {
	ctx := context.Background()
	c, mock := mockClient(t, dialect.Postgres)
	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT before_bulk").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT before_bulk").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tx, err := c.Begin(ctx, TxConfig{})
	require.NoError(t, err)
	require.NoError(t, tx.Savepoint(ctx, "before_bulk"))
	require.NoError(t, tx.RollbackTo(ctx, "before_bulk"))

	err = tx.Savepoint(ctx, "x; DROP TABLE users")
	assert.Equal(t, prism.InvalidParameter, prism.CodeOf(err))
	err = tx.RollbackTo(ctx, "1st")
	assert.Equal(t, prism.InvalidParameter, prism.CodeOf(err))

	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavepointSQLServer(t *testing.T) {
	ctx := context.Background()
	c, mock := mockClient(t, dialect.SQLServer)
	mock.ExpectBegin()
	mock.ExpectExec("SAVE TRANSACTION sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK TRANSACTION sp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := c.Begin(ctx, TxConfig{})
	require.NoError(t, err)
	require.NoError(t, tx.Savepoint(ctx, "sp"))
	require.NoError(t, tx.RollbackTo(ctx, "sp"))
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxClosed(t *testing.T) {
	ctx := context.Background()
	c, mock := mockClient(t, dialect.Postgres)
	mock.ExpectBegin()
	mock.ExpectCommit()

	tx, err := c.Begin(ctx, TxConfig{})
	require.NoError(t, err)
	_, err = tx.Client().Begin(ctx, TxConfig{})
	assert.Equal(t, prism.InvalidParameter, prism.CodeOf(err), "transactions do not nest")
	require.NoError(t, tx.Commit(ctx))

	assert.ErrorIs(t, tx.Commit(ctx), prism.ErrTransactionClosed)
	assert.ErrorIs(t, tx.Rollback(ctx), prism.ErrTransactionClosed)
	_, err = tx.Model("User").Count().Exec(ctx)
	assert.ErrorIs(t, err, prism.ErrTransactionClosed)
	assert.NoError(t, tx.Close(), "closing a finished transaction is a no-op")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxCloseRollsBack(t *testing.T) {
	ctx := context.Background()
	c, mock := mockClient(t, dialect.Postgres)
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	tx, err := c.Begin(ctx, TxConfig{})
	require.NoError(t, err)
	require.NoError(t, tx.Close())

	// The connection went back to the pool.
	tx, err = c.Begin(ctx, TxConfig{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}
