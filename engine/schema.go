package engine

import (
	"context"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	sqlschema "github.com/syssam/prism/dialect/sql/schema"
)

// CheckSchema compares the tables of the registered models with the live
// database. The result lists every difference; res.Err() is a
// SchemaMismatch error when one of them breaks reads or writes.
func (c *Client) CheckSchema(ctx context.Context, opts ...sqlschema.ValidateOption) (*sqlschema.ValidationResult, error) {
	if !dialect.IsSQL(c.dialect) {
		return nil, prism.Errorf(prism.ConfigError, "schema check is not supported on %s", c.dialect)
	}
	var (
		names    []string
		expected []*sqlschema.Table
	)
	for _, name := range c.registry.Models() {
		m, err := c.registry.Model(name)
		if err != nil {
			return nil, err
		}
		t := m.SQLTable()
		names = append(names, t.Name)
		expected = append(expected, t)
	}
	conn, err := c.source.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()
	live, err := sqlschema.Inspect(ctx, conn, c.dialect, names...)
	if err != nil {
		return nil, err
	}
	res := sqlschema.ValidateDrift(expected, live, opts...)
	if res.HasErrors() {
		c.log.Warn("prism: schema drift detected", "errors", len(res.Errors), "warnings", len(res.Warnings))
	}
	return res, nil
}
