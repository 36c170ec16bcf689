package engine

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/middleware"
)

// TxConfig configures a transaction.
type TxConfig struct {
	Isolation dialect.Isolation
	ReadOnly  bool
	// Deferrable is honored by PostgreSQL for serializable read only
	// transactions.
	Deferrable bool
	// Timeout bounds every statement of the transaction, counted from
	// Begin.
	Timeout time.Duration
}

// Tx is a transaction holding one connection. Operations of the client
// returned by Client run on that connection. A Tx must end with Commit,
// Rollback or Close.
type Tx struct {
	client   *Client
	s        *session
	b        *binding
	deadline time.Time

	mu   sync.Mutex
	done bool
}

// Begin starts a transaction.
func (c *Client) Begin(ctx context.Context, cfg TxConfig) (*Tx, error) {
	if c.tx != nil {
		return nil, prism.New(prism.InvalidParameter, "transaction already started").
			WithSuggestion("use Savepoint to nest work inside a transaction")
	}
	s := c.session("", "")
	s.txOpts = dialect.TxOptions{Isolation: cfg.Isolation, ReadOnly: cfg.ReadOnly, Deferrable: cfg.Deferrable}
	if _, err := s.run(ctx, &Statement{Text: "BEGIN", Type: middleware.TypeTxBegin}, "begin"); err != nil {
		s.close()
		return nil, err
	}
	tx := &Tx{s: s, b: s.b, deadline: deadline(cfg.Timeout)}
	s.tx = tx
	bound := *c
	bound.tx = tx
	tx.client = &bound
	return tx, nil
}

// WithTx runs fn in a transaction, committing when fn returns nil and
// rolling back otherwise. A panic in fn rolls back and is re-raised.
func (c *Client) WithTx(ctx context.Context, cfg TxConfig, fn func(*Tx) error) error {
	tx, err := c.Begin(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if v := recover(); v != nil {
			_ = tx.Rollback(ctx)
			panic(v)
		}
	}()
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(ctx); rerr != nil {
			return prism.NewAggregateError(err, rerr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// Client returns the client bound to the transaction.
func (tx *Tx) Client() *Client { return tx.client }

// Model returns the operations of the named model inside the transaction.
func (tx *Tx) Model(name string) *Model { return tx.client.Model(name) }

// Raw returns a raw statement running inside the transaction.
func (tx *Tx) Raw(query string, args ...any) *RawQuery { return tx.client.Raw(query, args...) }

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validSavepoint(name string) error {
	if !savepointName.MatchString(name) {
		return prism.Errorf(prism.InvalidParameter, "invalid savepoint name %q", name).
			WithSuggestion("use letters, digits and underscores, starting with a letter or underscore")
	}
	return nil
}

// Savepoint marks a point the transaction can roll back to.
func (tx *Tx) Savepoint(ctx context.Context, name string) error {
	if err := validSavepoint(name); err != nil {
		return err
	}
	stmt := "SAVEPOINT " + name
	if tx.client.dialect == dialect.SQLServer {
		stmt = "SAVE TRANSACTION " + name
	}
	return tx.raw(ctx, stmt, "savepoint")
}

// RollbackTo undoes the work done after the savepoint.
func (tx *Tx) RollbackTo(ctx context.Context, name string) error {
	if err := validSavepoint(name); err != nil {
		return err
	}
	stmt := "ROLLBACK TO SAVEPOINT " + name
	if tx.client.dialect == dialect.SQLServer {
		stmt = "ROLLBACK TRANSACTION " + name
	}
	return tx.raw(ctx, stmt, "rollback_to")
}

func (tx *Tx) raw(ctx context.Context, stmt, op string) error {
	s := tx.client.session("", "")
	_, err := s.run(ctx, &Statement{Text: stmt, Type: middleware.TypeRaw}, op)
	return err
}

// Commit commits the transaction and releases its connection.
func (tx *Tx) Commit(ctx context.Context) error {
	return tx.end(ctx, middleware.TypeTxCommit, "COMMIT", "commit")
}

// Rollback aborts the transaction and releases its connection.
func (tx *Tx) Rollback(ctx context.Context) error {
	return tx.end(ctx, middleware.TypeTxRollback, "ROLLBACK", "rollback")
}

func (tx *Tx) end(ctx context.Context, typ middleware.QueryType, stmt, op string) error {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return prism.ErrTransactionClosed.With("operation", op)
	}
	tx.done = true
	tx.mu.Unlock()
	_, err := tx.s.run(ctx, &Statement{Text: stmt, Type: typ}, op)
	if err != nil {
		tx.b.conn.MarkBroken()
	}
	tx.s.tx = nil
	tx.s.close()
	return err
}

// Close rolls back a transaction that was neither committed nor rolled
// back. It is a no-op otherwise, so it can be deferred after Begin.
func (tx *Tx) Close() error {
	tx.mu.Lock()
	done := tx.done
	tx.mu.Unlock()
	if done {
		return nil
	}
	tx.client.log.Warn("prism: transaction closed without commit; rolling back")
	if err := tx.Rollback(context.Background()); err != nil {
		return fmt.Errorf("rollback on close: %w", err)
	}
	return nil
}
