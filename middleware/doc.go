// Package middleware provides the ordered wrappers run around every
// statement the engine executes.
//
// A Middleware receives the next Handler and returns a Handler. Wrappers
// run outer to inner on the way in and inner to outer on the way out, in
// the order they were given to NewChain:
//
//	chain := middleware.NewChain(
//	    middleware.Logging(middleware.WithSlowThreshold(200*time.Millisecond)),
//	    middleware.Retry(middleware.RetryConfig{MaxRetries: 3}),
//	    metrics.Middleware(),
//	)
//	h := chain.Then(executor)
//
// A wrapper may rewrite QueryContext.SQL and QueryContext.Args before
// calling next, inspect the Response after it, or answer without calling
// next at all through QueryContext.SkipWithResponse.
package middleware
