// Package filter provides the backend-independent predicate algebra used
// by prism queries.
//
// A Filter is a pure data tree: leaves are field predicates carrying a
// Value, inner nodes combine children with And, Or and Not. Filters hold
// no database references and are safe to clone, cache and compare.
//
// # Values
//
// Value is a tagged union over null, bool, int64, float64, text, raw JSON
// and homogeneous lists. V converts arbitrary Go values; conversions never
// panic and unrepresentable inputs are kept as KindInvalid until encode.
//
//	filter.V(18)                  // Int(18)
//	filter.V([]string{"a", "b"})  // List(String("a"), String("b"))
//	filter.V((*int)(nil))         // Null()
//
// # Building filters
//
//	f := filter.And(
//	    filter.FieldEQ("status", "active"),
//	    filter.FieldGT("age", 18),
//	)
//	f.String() // status == "active" && age > 18
//
// Typed fields give compile-time checked predicates:
//
//	var Age = filter.Field[int]("age")
//	var Email = filter.StringField("email")
//	filter.And(Age.GTE(21), Email.HasSuffix("@example.com"))
//
// # Normalization
//
// Normalize folds the tree into its canonical form before lowering: empty
// In becomes False, empty NotIn becomes True, constants are absorbed and
// single-child composites collapse. Composers lower only normalized trees.
package filter
