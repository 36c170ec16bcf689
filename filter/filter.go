package filter

import (
	"hash/fnv"
	"strconv"
	"strings"
	"unique"
)

// FieldName names a model field. Names built with Intern share one
// canonical backing string; dynamic names own their buffer.
type FieldName string

// Intern returns the canonical FieldName for s.
func Intern(s string) FieldName {
	return FieldName(unique.Make(s).Value())
}

// String returns the field name.
func (f FieldName) String() string { return string(f) }

// Op is a scalar predicate operator.
type Op uint8

// Predicate operators.
const (
	Eq Op = iota
	Ne
	Gt
	Gte
	Lt
	Lte
	IsNull
	IsNotNull
	Contains
	StartsWith
	EndsWith
	In
	NotIn
)

var opNames = [...]string{
	Eq:         "Eq",
	Ne:         "Ne",
	Gt:         "Gt",
	Gte:        "Gte",
	Lt:         "Lt",
	Lte:        "Lte",
	IsNull:     "IsNull",
	IsNotNull:  "IsNotNull",
	Contains:   "Contains",
	StartsWith: "StartsWith",
	EndsWith:   "EndsWith",
	In:         "In",
	NotIn:      "NotIn",
}

// String returns the operator name.
func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "Op(" + strconv.Itoa(int(o)) + ")"
}

// Nullary reports whether the operator takes no value.
func (o Op) Nullary() bool { return o == IsNull || o == IsNotNull }

// Node is the kind of a filter tree node.
type Node uint8

// Filter node kinds. The zero Filter is None.
const (
	NodeNone Node = iota
	NodeLeaf
	NodeAnd
	NodeOr
	NodeNot
	NodeTrue
	NodeFalse
)

// Filter is an immutable predicate tree. Leaves are field predicates,
// inner nodes combine children with And, Or and Not. The zero value is
// None, the identity used to build filters incrementally.
type Filter struct {
	node     Node
	field    FieldName
	op       Op
	value    Value
	children []Filter
}

// None returns the identity filter.
func None() Filter { return Filter{} }

// True returns the always-satisfied filter.
func True() Filter { return Filter{node: NodeTrue} }

// False returns the never-satisfied filter.
func False() Filter { return Filter{node: NodeFalse} }

// Pred returns a leaf predicate on field.
func Pred(field FieldName, op Op, v Value) Filter {
	if op.Nullary() {
		v = Null()
	}
	return Filter{node: NodeLeaf, field: field, op: op, value: v}
}

// FieldEQ returns a predicate that checks if the field equals v.
func FieldEQ(field string, v any) Filter { return Pred(FieldName(field), Eq, V(v)) }

// FieldNEQ returns a predicate that checks if the field does not equal v.
func FieldNEQ(field string, v any) Filter { return Pred(FieldName(field), Ne, V(v)) }

// FieldGT returns a predicate that checks if the field is greater than v.
func FieldGT(field string, v any) Filter { return Pred(FieldName(field), Gt, V(v)) }

// FieldGTE returns a predicate that checks if the field is greater than or equal to v.
func FieldGTE(field string, v any) Filter { return Pred(FieldName(field), Gte, V(v)) }

// FieldLT returns a predicate that checks if the field is less than v.
func FieldLT(field string, v any) Filter { return Pred(FieldName(field), Lt, V(v)) }

// FieldLTE returns a predicate that checks if the field is less than or equal to v.
func FieldLTE(field string, v any) Filter { return Pred(FieldName(field), Lte, V(v)) }

// FieldIsNull returns a predicate that checks if the field is NULL.
func FieldIsNull(field string) Filter { return Pred(FieldName(field), IsNull, Null()) }

// FieldNotNull returns a predicate that checks if the field is not NULL.
func FieldNotNull(field string) Filter { return Pred(FieldName(field), IsNotNull, Null()) }

// FieldContains returns a predicate that checks if the field contains the substring s.
func FieldContains(field, s string) Filter { return Pred(FieldName(field), Contains, String(s)) }

// FieldHasPrefix returns a predicate that checks if the field starts with s.
func FieldHasPrefix(field, s string) Filter { return Pred(FieldName(field), StartsWith, String(s)) }

// FieldHasSuffix returns a predicate that checks if the field ends with s.
func FieldHasSuffix(field, s string) Filter { return Pred(FieldName(field), EndsWith, String(s)) }

// FieldIn returns a predicate that checks if the field value is in vs.
// A single slice argument is expanded.
func FieldIn(field string, vs ...any) Filter {
	return Pred(FieldName(field), In, listOf(vs))
}

// FieldNotIn returns a predicate that checks if the field value is not in vs.
func FieldNotIn(field string, vs ...any) Filter {
	return Pred(FieldName(field), NotIn, listOf(vs))
}

func listOf(vs []any) Value {
	if len(vs) == 1 {
		if v := V(vs[0]); v.kind == KindList {
			return v
		}
	}
	return List(Values(vs...)...)
}

// And groups filters with the AND operator. None children are dropped.
func And(fs ...Filter) Filter { return compose(NodeAnd, fs) }

// Or groups filters with the OR operator. None children are dropped.
func Or(fs ...Filter) Filter { return compose(NodeOr, fs) }

// Not negates f. Not(None) is None.
func Not(f Filter) Filter {
	if f.node == NodeNone {
		return f
	}
	return Filter{node: NodeNot, children: []Filter{f}}
}

func compose(node Node, fs []Filter) Filter {
	children := make([]Filter, 0, len(fs))
	for _, f := range fs {
		if f.node != NodeNone {
			children = append(children, f)
		}
	}
	switch len(children) {
	case 0:
		return None()
	case 1:
		return children[0]
	}
	return Filter{node: node, children: children}
}

// And returns f AND o.
func (f Filter) And(o Filter) Filter { return And(f, o) }

// Or returns f OR o.
func (f Filter) Or(o Filter) Filter { return Or(f, o) }

// Node returns the node kind.
func (f Filter) Node() Node { return f.node }

// IsNone reports whether f is the identity filter.
func (f Filter) IsNone() bool { return f.node == NodeNone }

// Field returns the field of a leaf.
func (f Filter) Field() FieldName { return f.field }

// Op returns the operator of a leaf.
func (f Filter) Op() Op { return f.op }

// Value returns the value of a leaf.
func (f Filter) Value() Value { return f.value }

// Children returns the children of a composite node.
func (f Filter) Children() []Filter { return f.children }

// Depth returns the height of the tree. Leaves and constants have depth 1.
func (f Filter) Depth() int {
	d := 0
	for _, c := range f.children {
		d = max(d, c.Depth())
	}
	if f.node == NodeNone {
		return 0
	}
	return d + 1
}

// Fields returns the distinct fields referenced by the tree in
// first-seen order.
func (f Filter) Fields() []FieldName {
	var (
		out  []FieldName
		seen = make(map[FieldName]struct{})
	)
	f.Walk(func(n Filter) {
		if n.node != NodeLeaf {
			return
		}
		if _, ok := seen[n.field]; !ok {
			seen[n.field] = struct{}{}
			out = append(out, n.field)
		}
	})
	return out
}

// MapFields returns a copy of f with every field name replaced by
// fn(name).
func (f Filter) MapFields(fn func(FieldName) FieldName) Filter {
	if f.node == NodeLeaf {
		f.field = fn(f.field)
		return f
	}
	if len(f.children) > 0 {
		children := make([]Filter, len(f.children))
		for i, c := range f.children {
			children[i] = c.MapFields(fn)
		}
		f.children = children
	}
	return f
}

// Walk calls fn for f and each node below it, depth-first, left to right.
func (f Filter) Walk(fn func(Filter)) {
	fn(f)
	for _, c := range f.children {
		c.Walk(fn)
	}
}

// Params returns the parameter values of the tree in left-to-right
// emission order. List values of In and NotIn contribute one parameter
// per element.
func (f Filter) Params() []Value {
	var out []Value
	f.Walk(func(n Filter) {
		if n.node != NodeLeaf || n.op.Nullary() {
			return
		}
		if n.op == In || n.op == NotIn {
			out = append(out, n.value.list...)
			return
		}
		out = append(out, n.value)
	})
	return out
}

// Err returns the first conversion error carried by a leaf value.
func (f Filter) Err() error {
	var err error
	f.Walk(func(n Filter) {
		if err == nil && n.node == NodeLeaf && n.value.kind == KindInvalid {
			err = n.value.err
		}
	})
	return err
}

// Equal reports whether f and o are structurally equal.
func (f Filter) Equal(o Filter) bool {
	if f.node != o.node || len(f.children) != len(o.children) {
		return false
	}
	if f.node == NodeLeaf && (f.field != o.field || f.op != o.op || !f.value.Equal(o.value)) {
		return false
	}
	for i := range f.children {
		if !f.children[i].Equal(o.children[i]) {
			return false
		}
	}
	return true
}

// ShapeHash hashes the structure of the tree: node kinds, fields,
// operators and list arities, but not the values. Two filters with the
// same shape compose to the same SQL text.
func (f Filter) ShapeHash() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	var walk func(Filter)
	walk = func(n Filter) {
		buf[0], buf[1] = byte(n.node), byte(n.op)
		h.Write(buf[:2])
		if n.node == NodeLeaf {
			h.Write([]byte(n.field))
			h.Write([]byte{0})
			if n.op == In || n.op == NotIn {
				h.Write(strconv.AppendInt(buf[:0], int64(len(n.value.list)), 10))
			}
		}
		h.Write(strconv.AppendInt(buf[:0], int64(len(n.children)), 10))
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(f)
	return h.Sum64()
}

// String renders the filter in a compact debug syntax, for example
// `status == "active" && age > 18`.
func (f Filter) String() string {
	var b strings.Builder
	f.render(&b, NodeNone)
	return b.String()
}

func (f Filter) render(b *strings.Builder, parent Node) {
	switch f.node {
	case NodeTrue:
		b.WriteString("true")
	case NodeFalse:
		b.WriteString("false")
	case NodeLeaf:
		f.renderLeaf(b)
	case NodeNot:
		b.WriteString("!(")
		f.children[0].render(b, NodeNot)
		b.WriteByte(')')
	case NodeAnd, NodeOr:
		sep := " && "
		if f.node == NodeOr {
			sep = " || "
		}
		wrap := parent == NodeAnd || parent == NodeOr
		if wrap {
			b.WriteByte('(')
		}
		for i, c := range f.children {
			if i > 0 {
				b.WriteString(sep)
			}
			c.render(b, f.node)
		}
		if wrap {
			b.WriteByte(')')
		}
	}
}

func (f Filter) renderLeaf(b *strings.Builder) {
	name := string(f.field)
	switch f.op {
	case IsNull:
		b.WriteString(name + " == nil")
	case IsNotNull:
		b.WriteString(name + " != nil")
	case Contains, StartsWith, EndsWith:
		fn := map[Op]string{Contains: "contains", StartsWith: "has_prefix", EndsWith: "has_suffix"}[f.op]
		b.WriteString(fn + "(" + name + ", ")
		f.value.render(b)
		b.WriteByte(')')
	default:
		op := map[Op]string{Eq: "==", Ne: "!=", Gt: ">", Gte: ">=", Lt: "<", Lte: "<=", In: "in", NotIn: "not in"}[f.op]
		b.WriteString(name + " " + op + " ")
		f.value.render(b)
	}
}
