package sql

import (
	"strconv"
	"strings"

	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/filter"
)

// DialectBuilder prefixes all root builders with the same dialect.
type DialectBuilder struct {
	dialect string
}

// Dialect creates a new DialectBuilder with the given dialect name.
//
//	sql.Dialect(dialect.Postgres).
//		Select().
//		From("users").
//		Where(filter.FieldEQ("status", "active"))
func Dialect(name string) *DialectBuilder {
	return &DialectBuilder{dialect: name}
}

// Select creates a Selector projecting columns, or * when none are given.
func (d *DialectBuilder) Select(columns ...string) *Selector {
	return &Selector{b: NewBuilder(d.dialect), columns: columns}
}

// Insert creates an InsertBuilder for table.
func (d *DialectBuilder) Insert(table string) *InsertBuilder {
	return &InsertBuilder{b: NewBuilder(d.dialect), table: table}
}

// Update creates an UpdateBuilder for table.
func (d *DialectBuilder) Update(table string) *UpdateBuilder {
	return &UpdateBuilder{b: NewBuilder(d.dialect), table: table}
}

// Delete creates a DeleteBuilder for table.
func (d *DialectBuilder) Delete(table string) *DeleteBuilder {
	return &DeleteBuilder{b: NewBuilder(d.dialect), table: table}
}

// Upsert creates an UpsertBuilder for table.
func (d *DialectBuilder) Upsert(table string) *UpsertBuilder {
	return &UpsertBuilder{InsertBuilder: InsertBuilder{b: NewBuilder(d.dialect), table: table}}
}

// JoinKind is the kind of a join clause.
type JoinKind string

// Join kinds.
const (
	InnerJoin JoinKind = "JOIN"
	LeftJoin  JoinKind = "LEFT JOIN"
)

type join struct {
	kind               JoinKind
	table, as          string
	leftTable, leftCol string
	rightCol           string
}

// Selector is a builder for the SELECT statement:
//
//	SELECT <projection> FROM <table> [<joins>] [WHERE <filter>]
//	[ORDER BY <order>] [LIMIT <n>] [OFFSET <m>] [FOR UPDATE]
type Selector struct {
	b         *Builder
	columns   []string
	exprs     []string
	table, as string
	joins     []join
	where     filter.Filter
	raw       []func(*Builder)
	order     filter.OrderBy
	limit     *uint64
	offset    *uint64
	forUpdate bool
}

// Select sets the projected columns.
func (s *Selector) Select(columns ...string) *Selector {
	s.columns = columns
	return s
}

// AppendExpr adds a raw projection expression, written verbatim.
func (s *Selector) AppendExpr(exprs ...string) *Selector {
	s.exprs = append(s.exprs, exprs...)
	return s
}

// From sets the source table.
func (s *Selector) From(table string) *Selector {
	s.table = table
	return s
}

// As sets the alias of the source table.
func (s *Selector) As(alias string) *Selector {
	s.as = alias
	return s
}

// Join adds a join clause: <kind> <table> AS <as> ON <left>.<leftCol> = <as>.<rightCol>.
func (s *Selector) Join(kind JoinKind, table, as, leftTable, leftCol, rightCol string) *Selector {
	s.joins = append(s.joins, join{kind: kind, table: table, as: as, leftTable: leftTable, leftCol: leftCol, rightCol: rightCol})
	return s
}

// Where ANDs f into the predicate of the selector.
func (s *Selector) Where(f filter.Filter) *Selector {
	s.where = filter.And(s.where, f)
	return s
}

// WhereFunc appends a raw predicate writer, ANDed after the filter.
func (s *Selector) WhereFunc(fn func(*Builder)) *Selector {
	s.raw = append(s.raw, fn)
	return s
}

// OrderBy appends order terms.
func (s *Selector) OrderBy(terms ...filter.Order) *Selector {
	s.order = append(s.order, terms...)
	return s
}

// Limit sets the maximum number of rows.
func (s *Selector) Limit(n uint64) *Selector {
	s.limit = &n
	return s
}

// Offset sets the number of rows to skip.
func (s *Selector) Offset(n uint64) *Selector {
	s.offset = &n
	return s
}

// Paginate applies skip and take from p. The cursor is not applied.
func (s *Selector) Paginate(p filter.Pagination) *Selector {
	if p.Take != nil {
		s.Limit(*p.Take)
	}
	if p.Skip != nil {
		s.Offset(*p.Skip)
	}
	return s
}

// ForUpdate locks the selected rows.
func (s *Selector) ForUpdate() *Selector {
	s.forUpdate = true
	return s
}

// SetMaxDepth sets the filter depth limit.
func (s *Selector) SetMaxDepth(n int) *Selector {
	s.b.SetMaxDepth(n)
	return s
}

// Table returns the table name of the selector.
func (s *Selector) Table() string { return s.table }

// Query returns the statement and its parameters.
func (s *Selector) Query() (string, []filter.Value) {
	b := s.b.reset()
	b.WriteString("SELECT ")
	s.projection(b)
	b.WriteString(" FROM ").Ident(s.table)
	if s.as != "" {
		b.WriteString(" AS ").Ident(s.as)
	}
	for _, j := range s.joins {
		b.Pad().WriteString(string(j.kind)).Pad().Ident(j.table)
		if j.as != "" {
			b.WriteString(" AS ").Ident(j.as)
		}
		b.WriteString(" ON ").Column(j.leftTable, j.leftCol).WriteString(" = ")
		b.Column(j.as, j.rightCol)
	}
	s.whereClause(b)
	s.orderClause(b)
	s.pagination(b)
	if s.forUpdate {
		switch b.dialect {
		case dialect.Postgres, dialect.MySQL:
			b.WriteString(" FOR UPDATE")
		default:
			b.AddError(invalidParam("FOR UPDATE is not supported by %s", b.dialect))
		}
	}
	return b.Query()
}

// Err returns the errors recorded while building.
func (s *Selector) Err() error { return s.b.Err() }

func (s *Selector) projection(b *Builder) {
	if len(s.columns) == 0 && len(s.exprs) == 0 {
		b.WriteByte('*')
		return
	}
	qual := ""
	if len(s.joins) > 0 {
		qual = s.alias()
	}
	for i, c := range s.columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Column(qual, c)
	}
	for i, e := range s.exprs {
		if i > 0 || len(s.columns) > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e)
	}
}

func (s *Selector) alias() string {
	if s.as != "" {
		return s.as
	}
	return s.table
}

func (s *Selector) whereClause(b *Builder) {
	if s.where.IsNone() && len(s.raw) == 0 {
		return
	}
	b.WriteString(" WHERE ")
	qual := ""
	if len(s.joins) > 0 {
		qual = s.alias()
	}
	b.FilterOn(qual, s.where)
	for i, fn := range s.raw {
		if i > 0 || !s.where.IsNone() {
			b.WriteString(" AND ")
		}
		fn(b)
	}
}

func (s *Selector) orderClause(b *Builder) {
	if len(s.order) == 0 {
		return
	}
	b.WriteString(" ORDER BY ")
	qual := ""
	if len(s.joins) > 0 {
		qual = s.alias()
	}
	b.Order(qual, s.order)
}

// Order writes the order terms, qualified by table when it is not empty.
// NULLS FIRST and NULLS LAST are only accepted by PostgreSQL and SQLite.
func (b *Builder) Order(table string, terms filter.OrderBy) *Builder {
	for i, o := range terms {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Column(table, string(o.Field))
		if o.Direction == filter.Desc {
			b.WriteString(" DESC")
		}
		switch o.Nulls {
		case filter.NullsDefault:
		case filter.NullsFirst, filter.NullsLast:
			if b.dialect != dialect.Postgres && b.dialect != dialect.SQLite {
				b.AddError(invalidParam("NULLS FIRST/LAST is not supported by %s", b.dialect))
				continue
			}
			if o.Nulls == filter.NullsFirst {
				b.WriteString(" NULLS FIRST")
			} else {
				b.WriteString(" NULLS LAST")
			}
		}
	}
	return b
}

func (s *Selector) pagination(b *Builder) {
	if s.limit == nil && s.offset == nil {
		return
	}
	if b.dialect == dialect.SQLServer {
		if len(s.order) == 0 {
			b.WriteString(" ORDER BY (SELECT NULL)")
		}
		var off uint64
		if s.offset != nil {
			off = *s.offset
		}
		b.WriteString(" OFFSET ").WriteString(strconv.FormatUint(off, 10)).WriteString(" ROWS")
		if s.limit != nil {
			b.WriteString(" FETCH NEXT ").WriteString(strconv.FormatUint(*s.limit, 10)).WriteString(" ROWS ONLY")
		}
		return
	}
	switch {
	case s.limit != nil:
		b.WriteString(" LIMIT ").WriteString(strconv.FormatUint(*s.limit, 10))
	case b.dialect == dialect.MySQL:
		// MySQL has no OFFSET without LIMIT.
		b.WriteString(" LIMIT 18446744073709551615")
	case b.dialect == dialect.SQLite:
		b.WriteString(" LIMIT -1")
	}
	if s.offset != nil {
		b.WriteString(" OFFSET ").WriteString(strconv.FormatUint(*s.offset, 10))
	}
}

// Aggregate functions.
const (
	AggCount = "COUNT"
	AggSum   = "SUM"
	AggAvg   = "AVG"
	AggMin   = "MIN"
	AggMax   = "MAX"
)

// AggregateAlias returns the result column of an aggregate: _count for
// COUNT(*), otherwise _<fn>_<column>.
func AggregateAlias(fn, column string) string {
	if column == "" || column == "*" {
		return "_count"
	}
	return "_" + strings.ToLower(fn) + "_" + column
}

// Aggregate returns the projection expression of an aggregate.
func Aggregate(d, fn, column string) string {
	alias := AggregateAlias(fn, column)
	if column == "" || column == "*" {
		return fn + "(*) AS " + Quote(d, alias)
	}
	return fn + "(" + Quote(d, column) + ") AS " + Quote(d, alias)
}
