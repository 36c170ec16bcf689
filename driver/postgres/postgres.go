// Package postgres registers the PostgreSQL backend of prism. Import it
// for its side effect:
//
//	import _ "github.com/syssam/prism/driver/postgres"
//
// Connections use lib/pq by default. A connection url carrying
// driver=pgx is opened with the pgx stdlib driver instead; see Open.
package postgres

import (
	"database/sql"
	"errors"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"github.com/lib/pq"

	"github.com/syssam/prism"
	"github.com/syssam/prism/config"
	"github.com/syssam/prism/dialect"
	sqlb "github.com/syssam/prism/dialect/sql"
	"github.com/syssam/prism/dialect/sql/sqlgraph"
	"github.com/syssam/prism/filter"
)

// database/sql driver names.
const (
	DriverPQ  = "postgres"
	DriverPGX = "pgx"
)

// MaxParams is the bind parameter limit of the wire protocol.
const MaxParams = 65535

func init() {
	sqlb.Register(Backend(DriverPQ))
}

// Backend returns the backend using the database/sql driver name.
func Backend(driverName string) *sqlb.Backend {
	return &sqlb.Backend{
		Dialect:    dialect.Postgres,
		DriverName: driverName,
		DSN:        DSN,
		Encode:     Encode,
		Classify:   Classify,
		MaxParams:  MaxParams,
	}
}

// Open opens a connector for the url with the driver it names, lib/pq
// unless driver=pgx is set.
func Open(raw string) (*sqlb.Connector, error) {
	u, err := config.ParseURL(raw)
	if err != nil {
		return nil, err
	}
	if u.Params.Get("driver") != DriverPGX {
		return sqlb.Open(dialect.Postgres, raw)
	}
	dsn, err := DSN(raw)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(DriverPGX, dsn)
	if err != nil {
		return nil, prism.Wrap(prism.ConfigError, err, "open database")
	}
	db.SetMaxIdleConns(0)
	return sqlb.OpenDB(dialect.Postgres, db), nil
}

// prism specific url parameters that are not sent to the server.
var localParams = map[string]bool{
	"driver":           true,
	"connection_limit": true,
	"pool_timeout":     true,
	"pgbouncer":        true,
}

// DSN converts a postgresql:// url into a url understood by lib/pq and
// pgx. The schema parameter becomes the search_path run-time parameter
// and sslmode defaults to prefer.
func DSN(raw string) (string, error) {
	u, err := config.ParseURL(raw)
	if err != nil {
		return "", err
	}
	if u.Dialect != dialect.Postgres {
		return "", prism.Errorf(prism.ConfigError, "%s url given to the postgres driver", u.Dialect)
	}
	q := url.Values{}
	for k, vs := range u.Params {
		switch {
		case localParams[k]:
		case k == "schema":
			q.Set("search_path", vs[0])
		default:
			q[k] = vs
		}
	}
	if q.Get("sslmode") == "" {
		q.Set("sslmode", string(pq.SSLModePrefer))
	}
	nu := &url.URL{Scheme: "postgres", Host: u.Address(), Path: "/" + u.Database, RawQuery: q.Encode()}
	switch {
	case u.Password != "":
		nu.User = url.UserPassword(u.User, u.Password)
	case u.User != "":
		nu.User = url.User(u.User)
	}
	return nu.String(), nil
}

// Encode converts parameters for the driver. Lists become PostgreSQL
// arrays.
func Encode(vs []filter.Value) ([]any, error) {
	out := make([]any, len(vs))
	for i, v := range vs {
		var err error
		if v.Kind() == filter.KindList {
			out[i], err = encodeList(v)
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

func encodeList(v filter.Value) (any, error) {
	elems := v.Elems()
	kind := v.Elem()
	for _, e := range elems {
		if e.Kind() == filter.KindList {
			return nil, prism.New(prism.TypeConversion, "nested list parameters are not supported")
		}
		if !e.IsNull() && e.Kind() != kind {
			kind = filter.KindInvalid
		}
	}
	if v.HasNull() || kind == filter.KindInvalid || kind == filter.KindJSON {
		generic := make([]any, len(elems))
		for i, e := range elems {
			a, err := sqlb.EncodeScalar(e)
			if err != nil {
				return nil, err
			}
			generic[i] = a
		}
		return pq.GenericArray{A: generic}, nil
	}
	switch kind {
	case filter.KindInt:
		a := make([]int64, len(elems))
		for i, e := range elems {
			a[i] = e.AsInt()
		}
		return pq.Array(a), nil
	case filter.KindFloat:
		a := make([]float64, len(elems))
		for i, e := range elems {
			a[i] = e.AsFloat()
		}
		return pq.Array(a), nil
	case filter.KindBool:
		a := make([]bool, len(elems))
		for i, e := range elems {
			a[i] = e.AsBool()
		}
		return pq.Array(a), nil
	}
	a := make([]string, len(elems))
	for i, e := range elems {
		a[i] = e.Text()
	}
	return pq.Array(a), nil
}

// Classify maps *pq.Error and *pgconn.PgError by their SQLSTATE.
func Classify(err error) (prism.ErrorCode, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return sqlgraph.ClassifySQLState(pqErr.SQLState())
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return sqlgraph.ClassifySQLState(pgErr.Code)
	}
	if pgconn.Timeout(err) {
		return prism.StatementTimeout, true
	}
	return sqlgraph.Classify(err)
}
