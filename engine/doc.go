// Package engine runs model operations against a backend.
//
// A Client ties a connection Source, a schema Registry and a middleware
// chain together. Operations are built from Client.Model, lowered to a
// dialect Statement and run through the chain on a pooled connection:
//
//	client, err := engine.Open(p, registry,
//	    engine.WithMiddleware(middleware.Logging()),
//	    engine.WithQueryCache(cache.NewQueryCache(0)),
//	)
//	if err != nil {
//	    return err
//	}
//	users, err := client.Model("User").FindMany().
//	    Where(filter.FieldEQ("status", "active"), filter.FieldGT("age", 18)).
//	    OrderBy(filter.OrderDesc("createdAt")).
//	    Take(10).
//	    Include(engine.With("posts")).
//	    Exec(ctx)
//
// Included relations load in one extra statement per relation by default,
// matching children to parents by key. LoadJoin folds to-one relations
// into the parent statement; LoadLazy defers them to a batched *Lazy
// value resolved on first use.
//
// Writes that cannot return the written row in the same statement read it
// back by primary key or by the dialect's last insert identity. Multi row
// writes are split to stay under the dialect's parameter limit and run in
// one transaction.
package engine
