// Package tenant isolates the data of tenants sharing one application.
//
// Three strategies are available. RowLevel rewrites every statement to
// filter on a tenant column. SchemaBased switches the connection schema
// per tenant. DatabaseBased routes each tenant to its own database pool.
//
//	iso := tenant.New(tenant.Config{
//	    Strategy:      tenant.RowLevel,
//	    Dialect:       dialect.Postgres,
//	    RequireTenant: true,
//	})
//	chain := middleware.NewChain(iso.Middleware(), middleware.Logging())
//	...
//	ctx = tenant.WithTenant(ctx, "t42")
//
// The tenant of a statement is taken from, in order: the tenant set on
// the statement, the request context, the Handle, and the configured
// default tenant.
package tenant
