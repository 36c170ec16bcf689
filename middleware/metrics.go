package middleware

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Key identifies a metrics counter.
type Key struct {
	Model     string
	Operation string
	Type      QueryType
	Success   bool
	FromCache bool
}

// timing accumulates durations of one query type without locks.
type timing struct {
	count atomic.Int64
	total atomic.Int64 // nanoseconds
	min   atomic.Int64
	max   atomic.Int64
}

func newTiming() *timing {
	t := &timing{}
	t.min.Store(math.MaxInt64)
	return t
}

func (t *timing) record(d time.Duration) {
	n := int64(d)
	t.count.Add(1)
	t.total.Add(n)
	for {
		cur := t.min.Load()
		if n >= cur || t.min.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := t.max.Load()
		if n <= cur || t.max.CompareAndSwap(cur, n) {
			break
		}
	}
}

func (t *timing) snapshot() Timing {
	s := Timing{
		Count: t.count.Load(),
		Total: time.Duration(t.total.Load()),
		Max:   time.Duration(t.max.Load()),
	}
	if s.Count > 0 {
		s.Min = time.Duration(t.min.Load())
	}
	return s
}

// Timing is a snapshot of the durations of one query type.
type Timing struct {
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

// Avg returns the mean duration.
func (t Timing) Avg() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Count)
}

// SlowQueryHook is called when a statement exceeds the slow threshold.
type SlowQueryHook func(ctx context.Context, q *QueryContext, d time.Duration)

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithMetricsSlowThreshold sets the slow statement threshold. Default is
// 100ms.
func WithMetricsSlowThreshold(d time.Duration) MetricsOption {
	return func(m *Metrics) {
		m.slow = d
	}
}

// WithSlowQueryHook sets a callback for slow statements.
func WithSlowQueryHook(hook SlowQueryHook) MetricsOption {
	return func(m *Metrics) {
		m.hook = hook
	}
}

// Metrics counts statements by Key and accumulates durations per query
// type.
type Metrics struct {
	slow time.Duration
	hook SlowQueryHook

	mu       sync.RWMutex
	counters map[Key]*atomic.Int64
	timings  map[QueryType]*timing

	slowCount atomic.Int64
	errors    atomic.Int64
}

// NewMetrics returns an empty collector.
//
//	m := middleware.NewMetrics(middleware.WithMetricsSlowThreshold(200 * time.Millisecond))
//	chain := middleware.NewChain(m.Middleware())
//	...
//	fmt.Println(m.Snapshot())
func NewMetrics(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		slow:     100 * time.Millisecond,
		counters: make(map[Key]*atomic.Int64),
		timings:  make(map[QueryType]*timing),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Middleware returns the wrapper recording into m.
func (m *Metrics) Middleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, q *QueryContext) (*Response, error) {
			start := time.Now()
			resp, err := next.Handle(ctx, q)
			m.record(ctx, q, time.Since(start), err)
			return resp, err
		})
	}
}

func (m *Metrics) record(ctx context.Context, q *QueryContext, d time.Duration, err error) {
	m.counter(Key{
		Model:     q.Meta.Model,
		Operation: q.Meta.Operation,
		Type:      q.Type,
		Success:   err == nil,
		FromCache: q.Skipped(),
	}).Add(1)
	m.timing(q.Type).record(d)
	if err != nil {
		m.errors.Add(1)
	}
	if m.slow > 0 && d > m.slow {
		m.slowCount.Add(1)
		if m.hook != nil {
			m.hook(ctx, q, d)
		}
	}
}

func (m *Metrics) counter(k Key) *atomic.Int64 {
	m.mu.RLock()
	c, ok := m.counters[k]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[k]; !ok {
		c = new(atomic.Int64)
		m.counters[k] = c
	}
	return c
}

func (m *Metrics) timing(t QueryType) *timing {
	m.mu.RLock()
	tm, ok := m.timings[t]
	m.mu.RUnlock()
	if ok {
		return tm
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if tm, ok = m.timings[t]; !ok {
		tm = newTiming()
		m.timings[t] = tm
	}
	return tm
}

// Count returns the counter of k.
func (m *Metrics) Count(k Key) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.counters[k]; ok {
		return c.Load()
	}
	return 0
}

// Snapshot is a point-in-time copy of the collected metrics.
type Snapshot struct {
	Counters map[Key]int64
	Timings  map[QueryType]Timing
	Slow     int64
	Errors   int64
}

// Total returns the number of recorded statements.
func (s Snapshot) Total() int64 {
	var n int64
	for _, c := range s.Counters {
		n += c
	}
	return n
}

// String returns a one-line summary per query type.
func (s Snapshot) String() string {
	types := make([]QueryType, 0, len(s.Timings))
	for t := range s.Timings {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	out := fmt.Sprintf("total=%d slow=%d errors=%d", s.Total(), s.Slow, s.Errors)
	for _, t := range types {
		tm := s.Timings[t]
		out += fmt.Sprintf(" %s{count=%d avg=%s min=%s max=%s}", t, tm.Count, tm.Avg(), tm.Min, tm.Max)
	}
	return out
}

// Snapshot returns the current metrics.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		Counters: make(map[Key]int64, len(m.counters)),
		Timings:  make(map[QueryType]Timing, len(m.timings)),
		Slow:     m.slowCount.Load(),
		Errors:   m.errors.Load(),
	}
	for k, c := range m.counters {
		s.Counters[k] = c.Load()
	}
	for t, tm := range m.timings {
		s.Timings[t] = tm.snapshot()
	}
	return s
}

// Reset clears all metrics.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = make(map[Key]*atomic.Int64)
	m.timings = make(map[QueryType]*timing)
	m.slowCount.Store(0)
	m.errors.Store(0)
}
