package pool

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		p.log = l
	}
}

// WithClock sets the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

type idleConn struct {
	conn     dialect.Conn
	created  time.Time
	lastUsed time.Time
}

// Pool is a bounded set of connections of one backend.
type Pool struct {
	connector dialect.Connector
	cfg       Config
	sem       *semaphore.Weighted
	log       *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	idle   []*idleConn
	open   int
	closed bool

	inUse    atomic.Int64
	waits    atomic.Int64
	timeouts atomic.Int64
	created  atomic.Int64
	retired  atomic.Int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a pool over connector, opens cfg.MinConns connections and
// starts the maintenance loop when cfg.HealthCheckInterval is set.
func New(ctx context.Context, connector dialect.Connector, cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	cfg.MinConns = min(cfg.MinConns, cfg.MaxConns)
	p := &Pool{
		connector: connector,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConns)),
		log:       slog.Default(),
		now:       time.Now,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.Warmup(ctx, cfg.MinConns); err != nil {
		p.Close()
		return nil, err
	}
	if cfg.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.maintain(cfg.HealthCheckInterval)
	}
	return p, nil
}

// Config returns the effective configuration.
func (p *Pool) Config() Config { return p.cfg }

// Dialect returns the dialect of the pooled connections.
func (p *Pool) Dialect() string { return p.connector.Dialect() }

// Acquire returns a connection, waiting in FIFO order for up to
// AcquireTimeout when MaxConns connections are in use.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if p.isClosed() {
		return nil, prism.New(prism.ConnectionLost, "pool is closed")
	}
	if !p.sem.TryAcquire(1) {
		p.waits.Add(1)
		wctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		err := p.sem.Acquire(wctx, 1)
		cancel()
		if err != nil {
			if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, prism.Wrap(prism.ConnectionLost, ctx.Err(), "acquire canceled")
			}
			p.timeouts.Add(1)
			p.log.Warn("prism: pool acquire timeout",
				"timeout", p.cfg.AcquireTimeout, "max_conns", p.cfg.MaxConns, "dialect", p.Dialect())
			return nil, prism.Errorf(prism.AcquireTimeout, "no connection available within %s", p.cfg.AcquireTimeout).
				WithCause(err).
				With("max_conns", strconv.Itoa(p.cfg.MaxConns)).
				WithSuggestion("increase max_conns or acquire_timeout, or release connections sooner")
		}
	}
	conn, err := p.take(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	p.inUse.Add(1)
	return &Conn{Conn: conn.conn, pool: p, created: conn.created}, nil
}

// take pops a usable idle connection or dials a new one. The caller holds
// a semaphore slot.
func (p *Pool) take(ctx context.Context) (*idleConn, error) {
	for {
		ic := p.popIdle()
		if ic == nil {
			break
		}
		if p.expired(ic) {
			p.retire(ic.conn)
			continue
		}
		if p.cfg.ValidateOnAcquire {
			if err := ic.conn.Ping(ctx); err != nil {
				p.log.Debug("prism: discarding connection that failed validation", "error", err)
				p.retire(ic.conn)
				continue
			}
		}
		return ic, nil
	}
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	return &idleConn{conn: conn, created: p.now()}, nil
}

func (p *Pool) popIdle() *idleConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	// Most recently used first; stale connections sink to the front.
	ic := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return ic
}

func (p *Pool) expired(ic *idleConn) bool {
	now := p.now()
	if p.cfg.MaxLifetime > 0 && now.Sub(ic.created) >= p.cfg.MaxLifetime {
		return true
	}
	return p.cfg.IdleTimeout > 0 && now.Sub(ic.lastUsed) >= p.cfg.IdleTimeout
}

// dial opens a connection, retrying recoverable failures.
func (p *Pool) dial(ctx context.Context) (dialect.Conn, error) {
	var err error
	for attempt := 0; attempt <= p.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, prism.Wrap(prism.ConnectTimeout, ctx.Err(), "connect")
			case <-time.After(p.cfg.RetryDelay):
			}
		}
		dctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		var conn dialect.Conn
		conn, err = p.connector.Connect(dctx)
		cancel()
		if err == nil {
			p.mu.Lock()
			p.open++
			p.mu.Unlock()
			p.created.Add(1)
			return conn, nil
		}
		if !prism.IsRecoverable(err) {
			break
		}
		p.log.Debug("prism: connect failed, retrying", "attempt", attempt+1, "error", err)
	}
	return nil, err
}

func (p *Pool) retire(conn dialect.Conn) {
	if err := conn.Close(); err != nil {
		p.log.Debug("prism: closing connection", "error", err)
	}
	p.mu.Lock()
	p.open--
	p.mu.Unlock()
	p.retired.Add(1)
}

// release returns conn to the idle queue, or closes it when broken, the
// pool is closed, or the session cannot be reset.
func (p *Pool) release(c *Conn) {
	defer p.sem.Release(1)
	defer p.inUse.Add(-1)
	if c.broken || p.isClosed() {
		p.retire(c.Conn)
		return
	}
	if c.Conn.InTx() {
		if err := c.Conn.Rollback(context.Background()); err != nil {
			p.retire(c.Conn)
			return
		}
	}
	if err := c.Conn.ResetSession(context.Background()); err != nil {
		p.log.Warn("prism: session reset failed, closing connection", "error", err)
		p.retire(c.Conn)
		return
	}
	ic := &idleConn{conn: c.Conn, created: c.created, lastUsed: p.now()}
	p.mu.Lock()
	if !p.closed {
		p.idle = append(p.idle, ic)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.retire(c.Conn)
}

// Warmup opens connections until n are idle or in use.
func (p *Pool) Warmup(ctx context.Context, n int) error {
	n = min(n, p.cfg.MaxConns)
	for {
		p.mu.Lock()
		open := p.open
		p.mu.Unlock()
		if open >= n {
			return nil
		}
		if !p.sem.TryAcquire(1) {
			return nil
		}
		conn, err := p.dial(ctx)
		if err != nil {
			p.sem.Release(1)
			return err
		}
		p.mu.Lock()
		p.idle = append(p.idle, &idleConn{conn: conn, created: p.now(), lastUsed: p.now()})
		p.mu.Unlock()
		p.sem.Release(1)
	}
}

// HealthCheck pings idle connections oldest first, retires failing or
// expired ones and refills to MinConns. It returns the first ping error.
// Each connection is checked under a pool slot, so checks never push the
// open count past MaxConns; the check stops early when every slot is busy.
func (p *Pool) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	idle := slices.Clone(p.idle)
	p.mu.Unlock()
	var first error
	for _, ic := range idle {
		if !p.sem.TryAcquire(1) {
			break
		}
		err := p.check(ctx, ic)
		p.sem.Release(1)
		if err != nil && first == nil {
			first = err
		}
	}
	if first != nil {
		p.log.Warn("prism: pool health check failed", "dialect", p.Dialect(), "error", first)
		return first
	}
	return p.Warmup(ctx, p.cfg.MinConns)
}

// check pings ic unless an acquirer took it in the meantime. The caller
// holds a semaphore slot.
func (p *Pool) check(ctx context.Context, ic *idleConn) error {
	p.mu.Lock()
	i := slices.Index(p.idle, ic)
	if i < 0 {
		p.mu.Unlock()
		return nil
	}
	p.idle = slices.Delete(p.idle, i, i+1)
	p.mu.Unlock()
	if p.expired(ic) {
		p.retire(ic.conn)
		return nil
	}
	if err := ic.conn.Ping(ctx); err != nil {
		p.retire(ic.conn)
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.retire(ic.conn)
		return nil
	}
	// Back in last-use order.
	at := slices.IndexFunc(p.idle, func(o *idleConn) bool { return o.lastUsed.After(ic.lastUsed) })
	if at < 0 {
		at = len(p.idle)
	}
	p.idle = slices.Insert(p.idle, at, ic)
	p.mu.Unlock()
	return nil
}

func (p *Pool) maintain(every time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
			_ = p.HealthCheck(ctx)
			cancel()
		}
	}
}

// Status is a snapshot of pool counters.
type Status struct {
	MaxConns int
	Open     int
	Idle     int
	InUse    int
	// Waits counts acquires that had to wait for a free slot.
	Waits    int64
	Timeouts int64
	Created  int64
	Closed   int64
}

// Status returns the current pool counters.
func (p *Pool) Status() Status {
	p.mu.Lock()
	open, idle := p.open, len(p.idle)
	p.mu.Unlock()
	return Status{
		MaxConns: p.cfg.MaxConns,
		Open:     open,
		Idle:     idle,
		InUse:    int(p.inUse.Load()),
		Waits:    p.waits.Load(),
		Timeouts: p.timeouts.Load(),
		Created:  p.created.Load(),
		Closed:   p.retired.Load(),
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close closes idle connections and stops maintenance. Connections in use
// are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	close(p.stop)
	p.wg.Wait()
	for _, ic := range idle {
		p.retire(ic.conn)
	}
	return p.connector.Close()
}

// Conn is a pooled connection. It must be released exactly once.
type Conn struct {
	dialect.Conn
	pool     *Pool
	created  time.Time
	broken   bool
	released atomic.Bool
}

// MarkBroken closes the connection on release instead of reusing it.
func (c *Conn) MarkBroken() { c.broken = true }

// Broken reports whether the connection was marked broken.
func (c *Conn) Broken() bool { return c.broken }

// Release returns the connection to its pool. Calls after the first are
// no-ops.
func (c *Conn) Release() {
	if c.released.Swap(true) {
		return
	}
	c.pool.release(c)
}

// Exec executes a statement on the connection, marking it broken when ctx
// interrupts the statement under the MarkBroken policy.
func (c *Conn) Exec(ctx context.Context, query string, args, v any) error {
	err := c.Conn.Exec(ctx, query, args, v)
	c.interrupted(ctx, err)
	return err
}

// Query runs a query on the connection. See Exec.
func (c *Conn) Query(ctx context.Context, query string, args, v any) error {
	err := c.Conn.Query(ctx, query, args, v)
	c.interrupted(ctx, err)
	return err
}

func (c *Conn) interrupted(ctx context.Context, err error) {
	switch {
	case err == nil:
	case ctx.Err() != nil:
		if c.pool.cfg.Cancel == MarkBroken {
			c.broken = true
		}
	case prism.CodeOf(err) == prism.ConnectionLost:
		c.broken = true
	}
}
