package filter

import "time"

// Scalar is the set of Go types a typed field may carry.
type Scalar interface {
	~bool | ~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64 | ~string | time.Time
}

// Field is a typed field that provides type-safe predicate methods.
// Generated model accessors declare one per column:
//
//	var Age = filter.Field[int]("age")
//	q.Where(Age.GT(18))
type Field[T Scalar] string

// Name returns the field name.
func (f Field[T]) Name() FieldName { return FieldName(f) }

// EQ returns a predicate that checks if the field equals the given value.
func (f Field[T]) EQ(v T) Filter { return Pred(f.Name(), Eq, V(v)) }

// NEQ returns a predicate that checks if the field does not equal the given value.
func (f Field[T]) NEQ(v T) Filter { return Pred(f.Name(), Ne, V(v)) }

// GT returns a predicate that checks if the field is greater than the given value.
func (f Field[T]) GT(v T) Filter { return Pred(f.Name(), Gt, V(v)) }

// GTE returns a predicate that checks if the field is greater than or equal to the given value.
func (f Field[T]) GTE(v T) Filter { return Pred(f.Name(), Gte, V(v)) }

// LT returns a predicate that checks if the field is less than the given value.
func (f Field[T]) LT(v T) Filter { return Pred(f.Name(), Lt, V(v)) }

// LTE returns a predicate that checks if the field is less than or equal to the given value.
func (f Field[T]) LTE(v T) Filter { return Pred(f.Name(), Lte, V(v)) }

// In returns a predicate that checks if the field value is in the given list.
func (f Field[T]) In(vs ...T) Filter { return Pred(f.Name(), In, typedList(vs)) }

// NotIn returns a predicate that checks if the field value is not in the given list.
func (f Field[T]) NotIn(vs ...T) Filter { return Pred(f.Name(), NotIn, typedList(vs)) }

// IsNull returns a predicate that checks if the field is NULL.
func (f Field[T]) IsNull() Filter { return Pred(f.Name(), IsNull, Null()) }

// NotNull returns a predicate that checks if the field is not NULL.
func (f Field[T]) NotNull() Filter { return Pred(f.Name(), IsNotNull, Null()) }

// Asc returns an ascending order term on the field.
func (f Field[T]) Asc() Order { return Order{Field: f.Name(), Direction: Asc} }

// Desc returns a descending order term on the field.
func (f Field[T]) Desc() Order { return Order{Field: f.Name(), Direction: Desc} }

func typedList[T Scalar](vs []T) Value {
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = V(v)
	}
	return List(out...)
}

// StringField is a typed text field with the pattern predicates.
//
//	var Email = filter.StringField("email")
//	q.Where(Email.Contains("@gmail"))
type StringField string

// Field returns the generic view of the field.
func (f StringField) Field() Field[string] { return Field[string](f) }

// Name returns the field name.
func (f StringField) Name() FieldName { return FieldName(f) }

// EQ returns a predicate that checks if the field equals the given value.
func (f StringField) EQ(v string) Filter { return f.Field().EQ(v) }

// NEQ returns a predicate that checks if the field does not equal the given value.
func (f StringField) NEQ(v string) Filter { return f.Field().NEQ(v) }

// In returns a predicate that checks if the field value is in the given list.
func (f StringField) In(vs ...string) Filter { return f.Field().In(vs...) }

// NotIn returns a predicate that checks if the field value is not in the given list.
func (f StringField) NotIn(vs ...string) Filter { return f.Field().NotIn(vs...) }

// Contains returns a predicate that checks if the field contains the given substring.
func (f StringField) Contains(v string) Filter { return Pred(f.Name(), Contains, String(v)) }

// HasPrefix returns a predicate that checks if the field has the given prefix.
func (f StringField) HasPrefix(v string) Filter { return Pred(f.Name(), StartsWith, String(v)) }

// HasSuffix returns a predicate that checks if the field has the given suffix.
func (f StringField) HasSuffix(v string) Filter { return Pred(f.Name(), EndsWith, String(v)) }

// IsNull returns a predicate that checks if the field is NULL.
func (f StringField) IsNull() Filter { return f.Field().IsNull() }

// NotNull returns a predicate that checks if the field is not NULL.
func (f StringField) NotNull() Filter { return f.Field().NotNull() }

// JSONField is a typed JSON document field.
type JSONField string

// EQ returns a predicate that checks if the document equals raw.
func (f JSONField) EQ(raw []byte) Filter { return Pred(FieldName(f), Eq, JSON(raw)) }

// IsNull returns a predicate that checks if the field is NULL.
func (f JSONField) IsNull() Filter { return Pred(FieldName(f), IsNull, Null()) }

// NotNull returns a predicate that checks if the field is not NULL.
func (f JSONField) NotNull() Filter { return Pred(FieldName(f), IsNotNull, Null()) }
