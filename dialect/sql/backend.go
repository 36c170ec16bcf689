package sql

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/filter"
)

// Backend describes how a database/sql driver is wired into prism.
// Driver packages register one Backend per dialect in their init.
type Backend struct {
	// Dialect is the dialect name, for example dialect.Postgres.
	Dialect string
	// DriverName is the name passed to database/sql.Open.
	DriverName string
	// DSN converts a connection URL into the driver's data source name.
	DSN func(url string) (string, error)
	// Encode converts parameters into driver-native values.
	// DefaultEncode is used when nil.
	Encode func([]filter.Value) ([]any, error)
	// Classify maps a native driver error to an error code.
	Classify func(error) (prism.ErrorCode, bool)
	// Init holds statements executed on every new connection.
	Init []string
	// MaxParams is the largest number of bind parameters per statement.
	MaxParams int
}

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]*Backend)
)

// Register makes a backend available by its dialect name. Registering
// the same dialect twice replaces the previous backend.
func Register(b *Backend) {
	if b == nil || b.Dialect == "" {
		panic("prism/dialect/sql: Register backend is nil or unnamed")
	}
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[b.Dialect] = b
}

// Lookup returns the backend registered for dialect d.
func Lookup(d string) (*Backend, error) {
	backendsMu.RLock()
	b, ok := backends[dialect.Normalize(d)]
	backendsMu.RUnlock()
	if !ok {
		return nil, prism.Errorf(prism.ConfigError, "no backend registered for dialect %q (forgotten import of its driver package?)", d).
			With("registered", fmt.Sprint(Backends()))
	}
	return b, nil
}

// Backends returns the registered dialect names, sorted.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// EncodeArgs encodes values with the backend encoder.
func (b *Backend) EncodeArgs(vs []filter.Value) ([]any, error) {
	if b.Encode != nil {
		return b.Encode(vs)
	}
	return DefaultEncode(vs)
}

// ParamLimit returns MaxParams or a conservative default.
func (b *Backend) ParamLimit() int {
	if b.MaxParams > 0 {
		return b.MaxParams
	}
	return 999
}

// DefaultEncode maps null to nil, bool, int64, float64 and text to
// themselves, and JSON to its text. Lists are rejected.
func DefaultEncode(vs []filter.Value) ([]any, error) {
	out := make([]any, len(vs))
	for i, v := range vs {
		if v.Kind() == filter.KindList {
			return nil, prism.Errorf(prism.TypeConversion, "parameter %d: list values are not supported by this backend", i+1)
		}
		a, err := EncodeScalar(v)
		if err != nil {
			return nil, err
		}
		out[i] = a
	}
	return out, nil
}

// EncodeScalar encodes a non-list value. Invalid values report their
// conversion error; JSON is validated and passed as text.
func EncodeScalar(v filter.Value) (any, error) {
	switch v.Kind() {
	case filter.KindNull:
		return nil, nil
	case filter.KindBool:
		return v.AsBool(), nil
	case filter.KindInt:
		return v.AsInt(), nil
	case filter.KindFloat:
		return v.AsFloat(), nil
	case filter.KindString:
		return v.Text(), nil
	case filter.KindJSON:
		if !json.Valid([]byte(v.Text())) {
			return nil, prism.Errorf(prism.TypeConversion, "invalid JSON parameter %q", v.Text())
		}
		return v.Text(), nil
	case filter.KindList:
		return nil, prism.New(prism.TypeConversion, "list parameter requires a backend list encoder")
	}
	return nil, prism.Wrap(prism.TypeConversion, v.Err(), "parameter conversion")
}

// EncodeListJSON encodes list values as JSON arrays, for backends that
// store lists in JSON columns. Lists containing null elements are
// rejected.
func EncodeListJSON(v filter.Value) (any, error) {
	if v.HasNull() {
		return nil, prism.New(prism.TypeConversion, "list parameter contains null elements")
	}
	raw, err := json.Marshal(v.Any())
	if err != nil {
		return nil, prism.Wrap(prism.TypeConversion, err, "encode list parameter")
	}
	return string(raw), nil
}
