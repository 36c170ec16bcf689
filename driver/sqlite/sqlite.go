// Package sqlite registers the SQLite backend of prism, built on the
// pure Go modernc.org/sqlite driver. Import it for its side effect:
//
//	import _ "github.com/syssam/prism/driver/sqlite"
package sqlite

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"modernc.org/sqlite"

	"github.com/syssam/prism"
	"github.com/syssam/prism/config"
	"github.com/syssam/prism/dialect"
	sqlb "github.com/syssam/prism/dialect/sql"
	"github.com/syssam/prism/dialect/sql/sqlgraph"
	"github.com/syssam/prism/filter"
)

// MaxParams is SQLITE_MAX_VARIABLE_NUMBER of the bundled library.
const MaxParams = 32766

// DefaultBusyTimeout is the busy_timeout pragma in milliseconds applied
// when the url sets none.
const DefaultBusyTimeout = 5000

func init() {
	sqlb.Register(&sqlb.Backend{
		Dialect:    dialect.SQLite,
		DriverName: "sqlite",
		DSN:        DSN,
		Encode:     Encode,
		Classify:   Classify,
		MaxParams:  MaxParams,
	})
}

// pragmas maps url parameters to the pragma they set.
var pragmas = map[string]func(v string) string{
	"foreign_keys": func(v string) string { return "foreign_keys(" + boolInt(v) + ")" },
	"busy_timeout": func(v string) string { return "busy_timeout(" + v + ")" },
	"cache_size":   func(v string) string { return "cache_size(" + v + ")" },
	"journal_mode": func(v string) string { return "journal_mode(" + strings.ToUpper(v) + ")" },
	"synchronous":  func(v string) string { return "synchronous(" + strings.ToUpper(v) + ")" },
	"wal_mode": func(v string) string {
		if boolInt(v) == "1" {
			return "journal_mode(WAL)"
		}
		return "journal_mode(DELETE)"
	},
}

func boolInt(v string) string {
	if b, _ := strconv.ParseBool(v); b {
		return "1"
	}
	return "0"
}

// DSN converts a sqlite: url into a modernc.org/sqlite file URI. The
// parameters foreign_keys, busy_timeout, cache_size, journal_mode,
// synchronous and wal_mode become _pragma parameters run on every new
// connection. Foreign keys are enforced unless foreign_keys=false.
//
// An in-memory url gets a fresh named database shared by the
// connections of one connector; it lives while one of them is open.
func DSN(raw string) (string, error) {
	u, err := config.ParseURL(raw)
	if err != nil {
		return "", err
	}
	if u.Dialect != dialect.SQLite {
		return "", prism.Errorf(prism.ConfigError, "%s url given to the sqlite driver", u.Dialect)
	}
	q := url.Values{}
	set := map[string]string{}
	for k, vs := range u.Params {
		if fn, ok := pragmas[k]; ok {
			name := k
			if k == "wal_mode" {
				name = "journal_mode"
			}
			if _, dup := set[name]; !dup || k != "wal_mode" {
				set[name] = fn(vs[0])
			}
			continue
		}
		switch k {
		case "connection_limit", "pool_timeout", "socket_timeout":
		default:
			q[k] = vs
		}
	}
	if _, ok := set["foreign_keys"]; !ok {
		set["foreign_keys"] = "foreign_keys(1)"
	}
	if _, ok := set["busy_timeout"]; !ok {
		set["busy_timeout"] = fmt.Sprintf("busy_timeout(%d)", DefaultBusyTimeout)
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		q.Add("_pragma", set[n])
	}
	path := u.Database
	if u.Memory {
		path = "prism-" + uuid.NewString()
		q.Set("mode", "memory")
		q.Set("cache", "shared")
	}
	return "file:" + path + "?" + q.Encode(), nil
}

// Encode converts parameters for the driver. Lists are stored as JSON
// arrays.
func Encode(vs []filter.Value) ([]any, error) {
	out := make([]any, len(vs))
	for i, v := range vs {
		var err error
		if v.Kind() == filter.KindList {
			out[i], err = sqlb.EncodeListJSON(v)
		} else {
			out[i], err = sqlb.EncodeScalar(v)
		}
		if err != nil {
			e, _ := prism.AsError(prism.Wrap(prism.TypeConversion, err, "encode parameter"))
			return nil, e.With("position", strconv.Itoa(i+1))
		}
	}
	return out, nil
}

// Classify maps *sqlite.Error by its extended result code.
func Classify(err error) (prism.ErrorCode, bool) {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return sqlgraph.ClassifySQLite(se.Code(), se.Error())
	}
	return sqlgraph.Classify(err)
}
