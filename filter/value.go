package filter

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Kind is the variant tag of a Value.
type Kind uint8

// Value kinds.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindJSON
	KindList
	// KindInvalid marks a value whose conversion failed. The failure is
	// reported by Err and surfaces when the value is encoded.
	KindInvalid
)

var kindNames = [...]string{
	KindNull:    "null",
	KindBool:    "bool",
	KindInt:     "int",
	KindFloat:   "float",
	KindString:  "string",
	KindJSON:    "json",
	KindList:    "list",
	KindInvalid: "invalid",
}

// String returns the kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is an immutable parameter value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	err  error
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns a signed 64-bit integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a 64-bit float value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a text value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// JSON returns a raw JSON document value. The document is not validated
// until it is encoded.
func JSON(raw []byte) Value { return Value{kind: KindJSON, s: string(raw)} }

// List returns a homogeneous list value. Heterogeneous lists are
// reported as invalid.
func List(vs ...Value) Value {
	elem := KindNull
	for i, e := range vs {
		switch {
		case e.kind == KindInvalid:
			return e
		case e.kind == KindNull:
		case elem == KindNull:
			elem = e.kind
		case e.kind != elem:
			return invalid(fmt.Errorf("heterogeneous list: element %d is %s, want %s", i, e.kind, elem))
		}
	}
	return Value{kind: KindList, list: vs}
}

func invalid(err error) Value { return Value{kind: KindInvalid, err: err} }

// Kind returns the variant of the value.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Err returns the conversion error of an invalid value.
func (v Value) Err() error { return v.err }

// AsBool returns the boolean payload.
func (v Value) AsBool() bool { return v.b }

// AsInt returns the integer payload.
func (v Value) AsInt() int64 { return v.i }

// AsFloat returns the float payload.
func (v Value) AsFloat() float64 { return v.f }

// Text returns the text payload of a string or JSON value.
func (v Value) Text() string { return v.s }

// AsJSON returns the payload of a JSON value.
func (v Value) AsJSON() json.RawMessage { return json.RawMessage(v.s) }

// Elems returns the elements of a list value.
func (v Value) Elems() []Value { return v.list }

// Len returns the number of elements of a list value, or 0.
func (v Value) Len() int { return len(v.list) }

// Elem returns the kind shared by the list elements, ignoring nulls.
func (v Value) Elem() Kind {
	for _, e := range v.list {
		if e.kind != KindNull {
			return e.kind
		}
	}
	return KindNull
}

// HasNull reports whether a list value contains a null element.
func (v Value) HasNull() bool {
	for _, e := range v.list {
		if e.kind == KindNull {
			return true
		}
	}
	return false
}

// Any returns the native Go representation of the value: nil, bool,
// int64, float64, string, json.RawMessage or []any.
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindJSON:
		return json.RawMessage(v.s)
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Any()
		}
		return out
	}
	return nil
}

// Equal reports whether v and o hold the same variant and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString, KindJSON:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindInvalid:
		return v.err == o.err
	}
	return false
}

// String renders the value in the filter debug syntax.
func (v Value) String() string {
	var b strings.Builder
	v.render(&b)
	return b.String()
}

func (v Value) render(b *strings.Builder) {
	switch v.kind {
	case KindNull:
		b.WriteString("nil")
	case KindBool:
		b.WriteString(strconv.FormatBool(v.b))
	case KindInt:
		b.WriteString(strconv.FormatInt(v.i, 10))
	case KindFloat:
		b.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
	case KindString:
		b.WriteString(strconv.Quote(v.s))
	case KindJSON:
		b.WriteString(v.s)
	case KindList:
		b.WriteByte('[')
		for i, e := range v.list {
			if i > 0 {
				b.WriteByte(',')
			}
			e.render(b)
		}
		b.WriteByte(']')
	case KindInvalid:
		fmt.Fprintf(b, "invalid(%v)", v.err)
	}
}

// V converts a Go value to a Value. The conversion is total: values that
// cannot be represented are returned as KindInvalid carrying the reason.
func V(x any) Value {
	switch x := x.(type) {
	case nil:
		return Null()
	case Value:
		return x
	case bool:
		return Bool(x)
	case int:
		return Int(int64(x))
	case int8:
		return Int(int64(x))
	case int16:
		return Int(int64(x))
	case int32:
		return Int(int64(x))
	case int64:
		return Int(x)
	case uint:
		return fromUint(uint64(x))
	case uint8:
		return Int(int64(x))
	case uint16:
		return Int(int64(x))
	case uint32:
		return Int(int64(x))
	case uint64:
		return fromUint(x)
	case float32:
		return Float(float64(x))
	case float64:
		return Float(x)
	case string:
		return String(x)
	case []byte:
		return String(string(x))
	case json.RawMessage:
		if !json.Valid(x) {
			return invalid(fmt.Errorf("invalid JSON document %q", x))
		}
		return JSON(bytes.TrimSpace(x))
	case time.Time:
		return String(x.UTC().Format(time.RFC3339Nano))
	case driver.Valuer:
		if rv := reflect.ValueOf(x); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return Null()
		}
		dv, err := x.Value()
		if err != nil {
			return invalid(fmt.Errorf("driver.Valuer %T: %w", x, err))
		}
		if _, again := dv.(driver.Valuer); again {
			return invalid(fmt.Errorf("driver.Valuer %T returned another Valuer", x))
		}
		return V(dv)
	}
	return reflectValue(reflect.ValueOf(x))
}

func fromUint(u uint64) Value {
	if u > math.MaxInt64 {
		return invalid(fmt.Errorf("unsigned value %d overflows int64", u))
	}
	return Int(int64(u))
}

func reflectValue(rv reflect.Value) Value {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null()
		}
		return V(rv.Elem().Interface())
	case reflect.Bool:
		return Bool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fromUint(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float())
	case reflect.String:
		return String(rv.String())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return Null()
		}
		vs := make([]Value, rv.Len())
		for i := range vs {
			vs[i] = V(rv.Index(i).Interface())
		}
		return List(vs...)
	case reflect.Map, reflect.Struct:
		raw, err := json.Marshal(rv.Interface())
		if err != nil {
			return invalid(fmt.Errorf("marshal %s: %w", rv.Type(), err))
		}
		return JSON(raw)
	}
	return invalid(fmt.Errorf("unsupported value type %T", rv.Interface()))
}

// Values converts each argument with V.
func Values(xs ...any) []Value {
	vs := make([]Value, len(xs))
	for i, x := range xs {
		vs[i] = V(x)
	}
	return vs
}
