package filter_test

import (
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/prism/filter"
)

type status string

type failingValuer struct{}

func (failingValuer) Value() (any, error) { return nil, errors.New("boom") }

func TestV(t *testing.T) {
	n := 7
	var nilPtr *int
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.FixedZone("X", 3600))
	tests := []struct {
		name string
		in   any
		kind filter.Kind
		want any
	}{
		{"Nil", nil, filter.KindNull, nil},
		{"Bool", true, filter.KindBool, true},
		{"Int", 42, filter.KindInt, int64(42)},
		{"Int8", int8(-3), filter.KindInt, int64(-3)},
		{"Uint32", uint32(9), filter.KindInt, int64(9)},
		{"Float32", float32(1.5), filter.KindFloat, 1.5},
		{"String", "x", filter.KindString, "x"},
		{"Bytes", []byte("raw"), filter.KindString, "raw"},
		{"Named", status("active"), filter.KindString, "active"},
		{"Pointer", &n, filter.KindInt, int64(7)},
		{"NilPointer", nilPtr, filter.KindNull, nil},
		{"Time", ts, filter.KindString, "2024-05-06T06:08:09Z"},
		{"NullString", sql.NullString{String: "s", Valid: true}, filter.KindString, "s"},
		{"NullStringInvalid", sql.NullString{}, filter.KindNull, nil},
		{"RawJSON", json.RawMessage(` {"a":1} `), filter.KindJSON, json.RawMessage(`{"a":1}`)},
		{"Map", map[string]int{"a": 1}, filter.KindJSON, json.RawMessage(`{"a":1}`)},
		{"Slice", []int{1, 2}, filter.KindList, []any{int64(1), int64(2)}},
		{"NilSlice", []int(nil), filter.KindNull, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := filter.V(tt.in)
			require.NoError(t, v.Err())
			assert.Equal(t, tt.kind, v.Kind())
			assert.Equal(t, tt.want, v.Any())
		})
	}
}

func TestVInvalid(t *testing.T) {
	tests := map[string]any{
		"Overflow":      uint64(math.MaxUint64),
		"Chan":          make(chan int),
		"BadJSON":       json.RawMessage(`{`),
		"FailingValuer": failingValuer{},
		"Heterogeneous": []any{1, "a"},
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			v := filter.V(in)
			assert.Equal(t, filter.KindInvalid, v.Kind())
			assert.Error(t, v.Err())
		})
	}
}

func TestListNulls(t *testing.T) {
	v := filter.List(filter.Int(1), filter.Null(), filter.Int(2))
	require.Equal(t, filter.KindList, v.Kind())
	assert.True(t, v.HasNull())
	assert.Equal(t, filter.KindInt, v.Elem())
	assert.Equal(t, 3, v.Len())
}

func TestValueEqual(t *testing.T) {
	assert.True(t, filter.Int(1).Equal(filter.V(1)))
	assert.False(t, filter.Int(1).Equal(filter.Float(1)))
	assert.True(t, filter.Float(math.NaN()).Equal(filter.Float(math.NaN())))
	assert.True(t, filter.V([]string{"a"}).Equal(filter.List(filter.String("a"))))
	assert.False(t, filter.V([]string{"a"}).Equal(filter.V([]string{"a", "b"})))
	assert.True(t, filter.Null().Equal(filter.Value{}))
}

func TestValueString(t *testing.T) {
	assert.Equal(t, `nil`, filter.Null().String())
	assert.Equal(t, `"a\"b"`, filter.String(`a"b`).String())
	assert.Equal(t, `[1,nil]`, filter.List(filter.Int(1), filter.Null()).String())
	assert.Equal(t, `{"a":1}`, filter.JSON([]byte(`{"a":1}`)).String())
	assert.Equal(t, "json", filter.KindJSON.String())
}
