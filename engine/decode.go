package engine

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-openapi/inflect"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
)

// Decode converts records into values of T, a struct or a pointer to a
// struct. Struct fields are matched by their db tag, or by the snake case
// of the field name. Included relations decode into struct, pointer and
// slice fields; a *Lazy field receives the lazy relation as is.
func Decode[T any](recs []dialect.Record) ([]T, error) {
	out := make([]T, len(recs))
	for i, r := range recs {
		if err := decodeInto(reflect.ValueOf(&out[i]).Elem(), r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DecodeOne converts one record into a T.
func DecodeOne[T any](rec dialect.Record) (T, error) {
	var v T
	err := decodeInto(reflect.ValueOf(&v).Elem(), rec)
	return v, err
}

// structField is a decodable field of a struct type.
type structField struct {
	index []int
	name  string
}

var fieldCache sync.Map // reflect.Type -> []structField

func fieldsOf(t reflect.Type) []structField {
	if fs, ok := fieldCache.Load(t); ok {
		return fs.([]structField)
	}
	var fs []structField
	for _, f := range reflect.VisibleFields(t) {
		if !f.IsExported() || f.Anonymous {
			continue
		}
		name := f.Tag.Get("db")
		if name == "-" {
			continue
		}
		if name == "" {
			name = inflect.Underscore(f.Name)
		}
		fs = append(fs, structField{index: f.Index, name: name})
	}
	fieldCache.Store(t, fs)
	return fs
}

var (
	lazyType    = reflect.TypeOf((*Lazy)(nil))
	timeType    = reflect.TypeOf(time.Time{})
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
)

func decodeInto(dst reflect.Value, rec dialect.Record) error {
	if dst.Kind() == reflect.Pointer {
		if rec == nil {
			dst.SetZero()
			return nil
		}
		dst.Set(reflect.New(dst.Type().Elem()))
		dst = dst.Elem()
	}
	switch dst.Kind() {
	case reflect.Struct:
	case reflect.Map:
		if dst.Type() == reflect.TypeOf(dialect.Record{}) {
			dst.Set(reflect.ValueOf(rec))
			return nil
		}
		fallthrough
	default:
		return prism.Errorf(prism.TypeConversion, "cannot decode a record into %s", dst.Type())
	}
	for _, f := range fieldsOf(dst.Type()) {
		v, ok := rec[f.name]
		if !ok {
			continue
		}
		if err := assign(dst.FieldByIndex(f.index), v); err != nil {
			return prism.Wrap(prism.TypeConversion, err, fmt.Sprintf("decode %s.%s", dst.Type().Name(), f.name))
		}
	}
	return nil
}

// assign stores the driver value v into dst.
func assign(dst reflect.Value, v any) error {
	if v == nil {
		dst.SetZero()
		return nil
	}
	if dst.CanAddr() && dst.Addr().Type().Implements(scannerType) {
		return dst.Addr().Interface().(sql.Scanner).Scan(v)
	}
	if dst.Type() == lazyType {
		z, ok := v.(*Lazy)
		if !ok {
			return fmt.Errorf("%T is not a lazy relation", v)
		}
		dst.Set(reflect.ValueOf(z))
		return nil
	}
	switch v := v.(type) {
	case dialect.Record:
		return decodeInto(dst, v)
	case []dialect.Record:
		if dst.Kind() != reflect.Slice {
			return fmt.Errorf("cannot store a list of records in %s", dst.Type())
		}
		s := reflect.MakeSlice(dst.Type(), len(v), len(v))
		for i, r := range v {
			if err := decodeInto(s.Index(i), r); err != nil {
				return err
			}
		}
		dst.Set(s)
		return nil
	}
	if dst.Kind() == reflect.Pointer {
		p := reflect.New(dst.Type().Elem())
		if err := assign(p.Elem(), v); err != nil {
			return err
		}
		dst.Set(p)
		return nil
	}
	src := reflect.ValueOf(v)
	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}
	switch dst.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := asInt(v)
		if err != nil {
			return err
		}
		if dst.OverflowInt(n) {
			return fmt.Errorf("%d overflows %s", n, dst.Type())
		}
		dst.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := asInt(v)
		if err != nil {
			return err
		}
		if n < 0 || dst.OverflowUint(uint64(n)) {
			return fmt.Errorf("%d overflows %s", n, dst.Type())
		}
		dst.SetUint(uint64(n))
	case reflect.Float32, reflect.Float64:
		f, err := asFloat(v)
		if err != nil {
			return err
		}
		dst.SetFloat(f)
	case reflect.Bool:
		b, err := asBool(v)
		if err != nil {
			return err
		}
		dst.SetBool(b)
	case reflect.String:
		switch v := v.(type) {
		case []byte:
			dst.SetString(string(v))
		case fmt.Stringer:
			dst.SetString(v.String())
		default:
			return fmt.Errorf("cannot convert %T to string", v)
		}
	case reflect.Struct:
		if dst.Type() != timeType {
			return fmt.Errorf("cannot convert %T to %s", v, dst.Type())
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("cannot convert %T to time", v)
		}
		t, err := parseTime(s)
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(t))
	default:
		if src.Type().ConvertibleTo(dst.Type()) && src.Kind() == dst.Kind() {
			dst.Set(src.Convert(dst.Type()))
			return nil
		}
		if s, ok := v.(string); ok && (dst.Kind() == reflect.Map || dst.Kind() == reflect.Slice) {
			return json.Unmarshal([]byte(s), dst.Addr().Interface())
		}
		return fmt.Errorf("cannot convert %T to %s", v, dst.Type())
	}
	return nil
}

func asInt(v any) (int64, error) {
	switch v := v.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to an integer", v)
}

func asFloat(v any) (float64, error) {
	switch v := v.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(v, 64)
	case []byte:
		return strconv.ParseFloat(string(v), 64)
	}
	n, err := asInt(v)
	return float64(n), err
}

func asBool(v any) (bool, error) {
	switch v := v.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(v)
	case []byte:
		return strconv.ParseBool(string(v))
	}
	n, err := asInt(v)
	return n != 0, err
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.DateOnly,
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as time", s)
}
