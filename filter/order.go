package filter

import "strings"

// Direction is the sort direction of an order term.
type Direction uint8

// Sort directions.
const (
	Asc Direction = iota
	Desc
)

// String returns ASC or DESC.
func (d Direction) String() string {
	if d == Desc {
		return "DESC"
	}
	return "ASC"
}

// Nulls controls where NULL values sort.
type Nulls uint8

// Null placements.
const (
	NullsDefault Nulls = iota
	NullsFirst
	NullsLast
)

// Order is one ordering term.
type Order struct {
	Field     FieldName
	Direction Direction
	Nulls     Nulls
}

// OrderAsc returns an ascending order term.
func OrderAsc(field string) Order { return Order{Field: FieldName(field), Direction: Asc} }

// OrderDesc returns a descending order term.
func OrderDesc(field string) Order { return Order{Field: FieldName(field), Direction: Desc} }

// NullsFirst returns a copy of o sorting NULLs first.
func (o Order) NullsFirst() Order {
	o.Nulls = NullsFirst
	return o
}

// NullsLast returns a copy of o sorting NULLs last.
func (o Order) NullsLast() Order {
	o.Nulls = NullsLast
	return o
}

// Reverse returns o with the direction and NULL placement flipped.
func (o Order) Reverse() Order {
	o.Direction ^= 1
	switch o.Nulls {
	case NullsFirst:
		o.Nulls = NullsLast
	case NullsLast:
		o.Nulls = NullsFirst
	}
	return o
}

// OrderBy is an ordered sequence of order terms. An empty OrderBy
// leaves the result unordered.
type OrderBy []Order

// String renders the terms, for example "created_at DESC, id ASC".
func (ob OrderBy) String() string {
	parts := make([]string, len(ob))
	for i, o := range ob {
		parts[i] = string(o.Field) + " " + o.Direction.String()
		switch o.Nulls {
		case NullsFirst:
			parts[i] += " NULLS FIRST"
		case NullsLast:
			parts[i] += " NULLS LAST"
		}
	}
	return strings.Join(parts, ", ")
}

// CursorDirection selects the side of the cursor value to read.
type CursorDirection uint8

// Cursor directions.
const (
	After CursorDirection = iota
	Before
)

// Cursor is an exclusive keyset position on a single field. Its
// direction is relative to the sort order of the field: After reads the
// rows that follow the value in that order.
type Cursor struct {
	Field     FieldName
	Value     Value
	Direction CursorDirection
}

// CursorAfter returns a cursor reading the rows that follow v.
func CursorAfter(field string, v any) *Cursor {
	return &Cursor{Field: FieldName(field), Value: V(v), Direction: After}
}

// CursorBefore returns a cursor reading the rows that precede v.
func CursorBefore(field string, v any) *Cursor {
	return &Cursor{Field: FieldName(field), Value: V(v), Direction: Before}
}

// Predicate returns the exclusive comparison of the cursor when its
// field sorts ascending.
func (c Cursor) Predicate() Filter {
	return c.PredicateIn(Asc)
}

// PredicateIn returns the exclusive comparison of the cursor when its
// field sorts in direction d.
//
//	CursorAfter("id", 9).PredicateIn(Desc) // id < 9
func (c Cursor) PredicateIn(d Direction) Filter {
	op := Gt
	if (c.Direction == Before) != (d == Desc) {
		op = Lt
	}
	return Pred(c.Field, op, c.Value)
}

// DirectionOf returns the direction of the first term ordering field,
// or Asc when no term orders it.
func (ob OrderBy) DirectionOf(field FieldName) Direction {
	for _, o := range ob {
		if o.Field == field {
			return o.Direction
		}
	}
	return Asc
}

// Pagination holds optional skip, take and cursor settings.
type Pagination struct {
	Skip   *uint64
	Take   *uint64
	Cursor *Cursor
}

// Limit returns a pagination with only take set.
func Limit(n uint64) Pagination { return Pagination{Take: &n} }

// Page returns a pagination with skip and take set.
func Page(skip, take uint64) Pagination { return Pagination{Skip: &skip, Take: &take} }

// IsZero reports whether no pagination setting is present.
func (p Pagination) IsZero() bool {
	return p.Skip == nil && p.Take == nil && p.Cursor == nil
}

// SkipOr returns skip or the default.
func (p Pagination) SkipOr(def uint64) uint64 {
	if p.Skip == nil {
		return def
	}
	return *p.Skip
}
