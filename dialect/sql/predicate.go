package sql

import (
	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/filter"
)

// compareOps maps the comparison operators to their SQL form.
var compareOps = [...]string{
	filter.Eq:  " = ",
	filter.Ne:  " <> ",
	filter.Gt:  " > ",
	filter.Gte: " >= ",
	filter.Lt:  " < ",
	filter.Lte: " <= ",
}

// Filter normalizes f and writes its SQL form, allocating one placeholder
// per parameter in left-to-right order. A None filter writes nothing.
func (b *Builder) Filter(f filter.Filter) *Builder {
	return b.FilterOn("", f)
}

// FilterOn writes f with every column qualified by table.
func (b *Builder) FilterOn(table string, f filter.Filter) *Builder {
	if d := f.Depth(); d > b.maxDepth {
		return b.AddError(prism.Errorf(prism.QueryTooComplex, "filter depth %d exceeds limit %d", d, b.maxDepth))
	}
	if err := f.Err(); err != nil {
		return b.AddError(prism.Wrap(prism.TypeConversion, err, "filter value"))
	}
	b.lower(table, filter.Normalize(f))
	return b
}

// lower writes a normalized filter. Composite nodes are parenthesized.
func (b *Builder) lower(table string, f filter.Filter) {
	switch f.Node() {
	case filter.NodeNone:
	case filter.NodeTrue:
		b.WriteString("1 = 1")
	case filter.NodeFalse:
		b.WriteString("1 = 0")
	case filter.NodeLeaf:
		b.leaf(table, f)
	case filter.NodeNot:
		if b.dialect == dialect.ScyllaDB {
			b.AddError(invalidParam("NOT is not supported by %s", b.dialect))
			return
		}
		b.WriteString("NOT (")
		b.lower(table, f.Children()[0])
		b.WriteByte(')')
	case filter.NodeAnd, filter.NodeOr:
		sep := " AND "
		if f.Node() == filter.NodeOr {
			if b.dialect == dialect.ScyllaDB {
				b.AddError(invalidParam("OR is not supported by %s", b.dialect))
				return
			}
			sep = " OR "
		}
		// CQL has no parenthesized conjunctions.
		paren := b.dialect != dialect.ScyllaDB
		if paren {
			b.WriteByte('(')
		}
		for i, c := range f.Children() {
			if i > 0 {
				b.WriteString(sep)
			}
			b.lower(table, c)
		}
		if paren {
			b.WriteByte(')')
		}
	}
}

func (b *Builder) leaf(table string, f filter.Filter) {
	col := string(f.Field())
	switch op := f.Op(); op {
	case filter.Eq, filter.Ne, filter.Gt, filter.Gte, filter.Lt, filter.Lte:
		if f.Value().Kind() == filter.KindList {
			b.AddError(invalidParam("operator %s on %q does not accept a list", op, col))
			return
		}
		b.Column(table, col).WriteString(compareOps[op]).Arg(f.Value())
	case filter.IsNull:
		b.Column(table, col).WriteString(" IS NULL")
	case filter.IsNotNull:
		b.Column(table, col).WriteString(" IS NOT NULL")
	case filter.Contains, filter.StartsWith, filter.EndsWith:
		if b.dialect == dialect.ScyllaDB {
			b.AddError(invalidParam("LIKE is not supported by %s", b.dialect))
			return
		}
		if f.Value().Kind() != filter.KindString {
			b.AddError(invalidParam("operator %s on %q requires a string, got %s", op, col, f.Value().Kind()))
			return
		}
		b.Column(table, col).WriteString(" LIKE ")
		b.likePattern(op, f.Value())
	case filter.In, filter.NotIn:
		b.Column(table, col)
		if op == filter.NotIn {
			b.WriteString(" NOT")
		}
		b.WriteString(" IN (").Args(f.Value().Elems()...).WriteByte(')')
	default:
		b.AddError(invalidParam("unknown operator %s", op))
	}
}

// likePattern writes the dialect-specific concatenation of the wildcard
// and the placeholder.
func (b *Builder) likePattern(op filter.Op, v filter.Value) {
	before, after := op != filter.StartsWith, op != filter.EndsWith
	switch b.dialect {
	case dialect.MySQL:
		b.WriteString("CONCAT(")
		if before {
			b.WriteString("'%', ")
		}
		b.Arg(v)
		if after {
			b.WriteString(", '%'")
		}
		b.WriteByte(')')
	default:
		cat := " || "
		if b.dialect == dialect.SQLServer {
			cat = " + "
		}
		if before {
			b.WriteString("'%'" + cat)
		}
		b.Arg(v)
		if after {
			b.WriteString(cat + "'%'")
		}
	}
}

// Where returns the SQL fragment and parameters of f for dialect d,
// numbering placeholders from start+1.
func Where(d string, start int, f filter.Filter) (string, []filter.Value, error) {
	b := NewBuilder(d)
	b.SetTotal(start)
	b.Filter(f)
	if err := b.Err(); err != nil {
		return "", nil, err
	}
	s, args := b.Query()
	return s, args, nil
}
