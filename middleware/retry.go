package middleware

import (
	"context"
	"math"
	"time"

	"github.com/syssam/prism"
)

// RetryConfig configures Retry.
type RetryConfig struct {
	// MaxRetries is the number of replays after the first attempt.
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// ShouldRetry decides whether err is replayed. Default is ShouldRetry.
	ShouldRetry func(error) bool
}

// DefaultRetryConfig returns the configuration used for zero fields.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		ShouldRetry:  ShouldRetry,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = d.ShouldRetry
	}
	return c
}

// ShouldRetry reports whether err is recoverable.
func ShouldRetry(err error) bool {
	return prism.IsRecoverable(err)
}

// Backoff returns the delay before retry attempt (0-based) without
// jitter: InitialDelay * Multiplier^attempt, capped at MaxDelay.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// jitter spreads d by ±25% using r in [0, 1).
func jitter(d time.Duration, r float64) time.Duration {
	return time.Duration(float64(d) * (0.75 + 0.5*r))
}

// Retry replays statements failing with a retryable error. Statements
// inside a transaction and transaction control statements are never
// replayed.
func Retry(cfg RetryConfig, opts ...Option) Middleware {
	cfg = cfg.withDefaults()
	o := newOptions(opts)
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, q *QueryContext) (*Response, error) {
			resp, err := next.Handle(ctx, q)
			if err == nil || q.Meta.InTx || q.Type >= TypeTxBegin {
				return resp, err
			}
			for attempt := 0; attempt < cfg.MaxRetries && cfg.ShouldRetry(err); attempt++ {
				d := jitter(cfg.Backoff(attempt), o.rand())
				o.log.WarnContext(ctx, "prism: retrying query",
					"attempt", attempt+1, "delay", d, "request_id", q.Meta.RequestID, "error", err)
				if serr := o.sleep(ctx, d); serr != nil {
					return nil, err
				}
				if resp, err = next.Handle(ctx, q); err == nil {
					return resp, nil
				}
			}
			return resp, err
		})
	}
}
