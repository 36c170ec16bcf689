// Package pool bounds and recycles backend connections.
//
// A Pool wraps a dialect.Connector. At most Config.MaxConns connections are
// in use at once; further callers wait in FIFO order for up to
// Config.AcquireTimeout and then fail with prism.AcquireTimeout. Released
// connections return to an idle queue unless marked broken; idle
// connections past IdleTimeout or MaxLifetime are retired on the next
// acquire and by the maintenance loop.
//
//	p, err := pool.New(ctx, connector, pool.HighThroughput())
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	conn, err := p.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer conn.Release()
//
// A Manager keeps one Pool per key, for database-per-tenant deployments.
package pool
