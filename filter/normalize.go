package filter

// Normalize rewrites f into its canonical form:
//
//	In(f, [])        -> False
//	NotIn(f, [])     -> True
//	Eq(f, null)      -> IsNull(f)
//	Ne(f, null)      -> IsNotNull(f)
//	And(.., True)    -> And(..)       And(.., False) -> False
//	Or(.., False)    -> Or(..)        Or(.., True)   -> True
//	Not(Not(x))      -> x             Not(True)      -> False
//
// Nested composites of the same kind are flattened and single-child
// composites collapse to the child. The composers only lower normalized
// trees, so IN () is never emitted.
func Normalize(f Filter) Filter {
	switch f.node {
	case NodeLeaf:
		return normalizeLeaf(f)
	case NodeNot:
		c := Normalize(f.children[0])
		switch c.node {
		case NodeNone:
			return c
		case NodeTrue:
			return False()
		case NodeFalse:
			return True()
		case NodeNot:
			return c.children[0]
		}
		return Filter{node: NodeNot, children: []Filter{c}}
	case NodeAnd:
		return normalizeComposite(f, NodeTrue, NodeFalse)
	case NodeOr:
		return normalizeComposite(f, NodeFalse, NodeTrue)
	}
	return f
}

// Normalize returns the canonical form of f.
func (f Filter) Normalize() Filter { return Normalize(f) }

func normalizeLeaf(f Filter) Filter {
	switch f.op {
	case Eq:
		if f.value.kind == KindNull {
			return Pred(f.field, IsNull, Null())
		}
	case Ne:
		if f.value.kind == KindNull {
			return Pred(f.field, IsNotNull, Null())
		}
	case In, NotIn:
		if f.value.kind != KindList && f.value.kind != KindInvalid {
			f.value = List(f.value)
		}
		if f.value.kind == KindList && len(f.value.list) == 0 {
			if f.op == In {
				return False()
			}
			return True()
		}
	}
	return f
}

// normalizeComposite folds an And (identity True, absorbing False) or
// an Or (identity False, absorbing True).
func normalizeComposite(f Filter, identity, absorbing Node) Filter {
	var (
		children []Filter
		sawConst bool
	)
	for _, c := range f.children {
		c = Normalize(c)
		switch c.node {
		case NodeNone:
			continue
		case identity:
			sawConst = true
			continue
		case absorbing:
			return c
		case f.node:
			children = append(children, c.children...)
			continue
		}
		children = append(children, c)
	}
	switch len(children) {
	case 0:
		if sawConst {
			return Filter{node: identity}
		}
		return None()
	case 1:
		return children[0]
	}
	return Filter{node: f.node, children: children}
}
