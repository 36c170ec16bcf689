package middleware

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Option configures the built-in middleware.
type Option func(*options)

type options struct {
	log     *slog.Logger
	slow    time.Duration
	logArgs bool
	sleep   func(context.Context, time.Duration) error
	rand    func() float64
}

func newOptions(opts []Option) *options {
	o := &options{
		log:   slog.Default(),
		slow:  100 * time.Millisecond,
		sleep: sleep,
		rand:  rand.Float64,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithSlowThreshold sets the duration above which Logging reports a
// statement as slow. Default is 100ms; zero disables slow reports.
func WithSlowThreshold(d time.Duration) Option {
	return func(o *options) {
		o.slow = d
	}
}

// WithArgs includes bound parameters in log records.
func WithArgs() Option {
	return func(o *options) {
		o.logArgs = true
	}
}

// WithSleep replaces the backoff sleep. Used in tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(o *options) {
		o.sleep = fn
	}
}

// WithRand replaces the jitter source, which must return values in
// [0, 1). Used in tests.
func WithRand(fn func() float64) Option {
	return func(o *options) {
		o.rand = fn
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
