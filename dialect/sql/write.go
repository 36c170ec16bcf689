package sql

import (
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/filter"
)

// SupportsReturning reports whether the dialect accepts RETURNING on
// INSERT and UPDATE.
func SupportsReturning(d string) bool {
	return d == dialect.Postgres || d == dialect.SQLite || d == dialect.DuckDB
}

// InsertBuilder is a builder for the INSERT statement.
type InsertBuilder struct {
	b         *Builder
	table     string
	columns   []string
	rows      [][]filter.Value
	returning []string
}

// Columns sets the inserted columns.
func (i *InsertBuilder) Columns(columns ...string) *InsertBuilder {
	i.columns = columns
	return i
}

// Values appends one row of values, in column order.
func (i *InsertBuilder) Values(values ...filter.Value) *InsertBuilder {
	i.rows = append(i.rows, values)
	return i
}

// Returning sets the RETURNING columns. It is ignored by dialects
// without RETURNING; see SupportsReturning.
func (i *InsertBuilder) Returning(columns ...string) *InsertBuilder {
	i.returning = columns
	return i
}

// Query returns the statement and its parameters.
func (i *InsertBuilder) Query() (string, []filter.Value) {
	b := i.b.reset()
	i.insert(b)
	i.returningClause(b)
	return b.Query()
}

// Err returns the errors recorded while building.
func (i *InsertBuilder) Err() error { return i.b.Err() }

func (i *InsertBuilder) insert(b *Builder) {
	b.WriteString("INSERT INTO ").Ident(i.table)
	if len(i.columns) == 0 {
		if b.dialect == dialect.MySQL {
			b.WriteString(" () VALUES ()")
		} else {
			b.WriteString(" DEFAULT VALUES")
		}
		return
	}
	b.WriteString(" (").IdentList(i.columns...).WriteString(") VALUES ")
	for n, row := range i.rows {
		if len(row) != len(i.columns) {
			b.AddError(invalidParam("insert row %d has %d values, want %d", n, len(row), len(i.columns)))
			return
		}
		if n > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(').Args(row...).WriteByte(')')
	}
}

func (i *InsertBuilder) returningClause(b *Builder) {
	if len(i.returning) == 0 || !SupportsReturning(b.dialect) {
		return
	}
	b.WriteString(" RETURNING ")
	if len(i.returning) == 1 && i.returning[0] == "*" {
		b.WriteByte('*')
		return
	}
	b.IdentList(i.returning...)
}

// UpdateBuilder is a builder for the UPDATE statement.
type UpdateBuilder struct {
	b         *Builder
	table     string
	columns   []string
	values    []filter.Value
	where     filter.Filter
	returning []string
}

// Set appends a column assignment.
func (u *UpdateBuilder) Set(column string, v filter.Value) *UpdateBuilder {
	u.columns = append(u.columns, column)
	u.values = append(u.values, v)
	return u
}

// Where ANDs f into the predicate.
func (u *UpdateBuilder) Where(f filter.Filter) *UpdateBuilder {
	u.where = filter.And(u.where, f)
	return u
}

// Returning sets the RETURNING columns, ignored by dialects without it.
func (u *UpdateBuilder) Returning(columns ...string) *UpdateBuilder {
	u.returning = columns
	return u
}

// Empty reports whether no assignment was added.
func (u *UpdateBuilder) Empty() bool { return len(u.columns) == 0 }

// Query returns the statement and its parameters.
func (u *UpdateBuilder) Query() (string, []filter.Value) {
	b := u.b.reset()
	if u.Empty() {
		b.AddError(invalidParam("update of %q has no assignments", u.table))
	}
	b.WriteString("UPDATE ").Ident(u.table).WriteString(" SET ")
	for i, c := range u.columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Ident(c).WriteString(" = ").Arg(u.values[i])
	}
	if !u.where.IsNone() {
		b.WriteString(" WHERE ").Filter(u.where)
	}
	if len(u.returning) > 0 && SupportsReturning(b.dialect) {
		b.WriteString(" RETURNING ")
		if len(u.returning) == 1 && u.returning[0] == "*" {
			b.WriteByte('*')
		} else {
			b.IdentList(u.returning...)
		}
	}
	return b.Query()
}

// Err returns the errors recorded while building.
func (u *UpdateBuilder) Err() error { return u.b.Err() }

// DeleteBuilder is a builder for the DELETE statement.
type DeleteBuilder struct {
	b     *Builder
	table string
	where filter.Filter
}

// Where ANDs f into the predicate.
func (d *DeleteBuilder) Where(f filter.Filter) *DeleteBuilder {
	d.where = filter.And(d.where, f)
	return d
}

// Query returns the statement and its parameters.
func (d *DeleteBuilder) Query() (string, []filter.Value) {
	b := d.b.reset()
	b.WriteString("DELETE FROM ").Ident(d.table)
	if !d.where.IsNone() {
		b.WriteString(" WHERE ").Filter(d.where)
	}
	return b.Query()
}

// Err returns the errors recorded while building.
func (d *DeleteBuilder) Err() error { return d.b.Err() }

// UpsertBuilder is a builder for insert-or-update statements:
//
//	PostgreSQL, SQLite: INSERT ... ON CONFLICT (cols) DO UPDATE SET ...
//	MySQL:              INSERT ... ON DUPLICATE KEY UPDATE ...
//	SQL Server:         MERGE INTO ... WHEN MATCHED ... WHEN NOT MATCHED ...
//
// The SQL Server MERGE takes no lock hints: two concurrent upserts of the
// same key may both reach WHEN NOT MATCHED under READ COMMITTED. Callers
// needing exactly-once semantics run it in a SERIALIZABLE transaction.
type UpsertBuilder struct {
	InsertBuilder
	conflict   []string
	updateCols []string
	updateVals []filter.Value
}

// OnConflict sets the conflict target columns.
func (u *UpsertBuilder) OnConflict(columns ...string) *UpsertBuilder {
	u.conflict = columns
	return u
}

// Insert sets the inserted columns and values.
func (u *UpsertBuilder) Insert(columns []string, values []filter.Value) *UpsertBuilder {
	u.columns = columns
	u.rows = [][]filter.Value{values}
	return u
}

// Update appends an assignment applied when the row exists.
func (u *UpsertBuilder) Update(column string, v filter.Value) *UpsertBuilder {
	u.updateCols = append(u.updateCols, column)
	u.updateVals = append(u.updateVals, v)
	return u
}

// Query returns the statement and its parameters.
func (u *UpsertBuilder) Query() (string, []filter.Value) {
	b := u.b.reset()
	if len(u.conflict) == 0 {
		b.AddError(invalidParam("upsert of %q has no conflict columns", u.table))
	}
	if len(u.rows) != 1 {
		b.AddError(invalidParam("upsert of %q requires exactly one row", u.table))
		return b.Query()
	}
	switch b.dialect {
	case dialect.SQLServer:
		u.merge(b)
		return b.Query()
	case dialect.MySQL:
		u.insert(b)
		b.WriteString(" ON DUPLICATE KEY UPDATE ")
		if len(u.updateCols) == 0 {
			// A self assignment turns the conflict into a no-op.
			c := b.Quote(u.conflict[0])
			b.WriteString(c + " = " + c)
		}
		u.assignments(b, "")
	default:
		u.insert(b)
		b.WriteString(" ON CONFLICT (").IdentList(u.conflict...).WriteByte(')')
		if len(u.updateCols) == 0 {
			b.WriteString(" DO NOTHING")
		} else {
			b.WriteString(" DO UPDATE SET ")
			u.assignments(b, "")
		}
	}
	u.returningClause(b)
	return b.Query()
}

func (u *UpsertBuilder) assignments(b *Builder, qual string) {
	for i, c := range u.updateCols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Column(qual, c).WriteString(" = ").Arg(u.updateVals[i])
	}
}

func (u *UpsertBuilder) merge(b *Builder) {
	row := u.rows[0]
	if len(row) != len(u.columns) {
		b.AddError(invalidParam("upsert row has %d values, want %d", len(row), len(u.columns)))
		return
	}
	b.WriteString("MERGE INTO ").Ident(u.table).WriteString(" AS target USING (VALUES (").Args(row...)
	b.WriteString(")) AS source (").IdentList(u.columns...).WriteString(") ON ")
	for i, c := range u.conflict {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.Column("target", c).WriteString(" = ").Column("source", c)
	}
	if len(u.updateCols) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		u.assignments(b, "target")
	}
	b.WriteString(" WHEN NOT MATCHED THEN INSERT (").IdentList(u.columns...).WriteString(") VALUES (")
	for i, c := range u.columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Column("source", c)
	}
	b.WriteString(")")
	if len(u.returning) > 0 {
		b.WriteString(" OUTPUT INSERTED.*")
	}
	b.WriteByte(';')
}
