package middleware

import "context"

// Handler executes a statement.
type Handler interface {
	Handle(context.Context, *QueryContext) (*Response, error)
}

// The HandlerFunc type is an adapter to allow the use of ordinary
// functions as Handler.
type HandlerFunc func(context.Context, *QueryContext) (*Response, error)

// Handle calls f(ctx, q).
func (f HandlerFunc) Handle(ctx context.Context, q *QueryContext) (*Response, error) {
	return f(ctx, q)
}

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// Chain is an ordered list of middleware.
type Chain struct {
	mws []Middleware
}

// NewChain returns a chain of mws. The first runs outermost.
func NewChain(mws ...Middleware) Chain {
	return Chain{mws: append([]Middleware(nil), mws...)}
}

// Append returns a new chain with mws added innermost.
func (c Chain) Append(mws ...Middleware) Chain {
	n := make([]Middleware, 0, len(c.mws)+len(mws))
	n = append(n, c.mws...)
	return Chain{mws: append(n, mws...)}
}

// Len returns the number of middleware in the chain.
func (c Chain) Len() int { return len(c.mws) }

// Then wraps h with the chain. The returned handler answers skipped
// statements with their cached response without calling h.
func (c Chain) Then(h Handler) Handler {
	final := HandlerFunc(func(ctx context.Context, q *QueryContext) (*Response, error) {
		if q.Skipped() {
			return q.CachedResponse(), nil
		}
		q.Phase = PhaseDuring
		resp, err := h.Handle(ctx, q)
		if err != nil {
			q.Phase = PhaseAfterErr
		} else {
			q.Phase = PhaseAfterOK
		}
		return resp, err
	})
	var next Handler = final
	for i := len(c.mws) - 1; i >= 0; i-- {
		next = c.mws[i](next)
	}
	return next
}
