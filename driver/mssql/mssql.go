// Package mssql registers the SQL Server backend of prism, built on
// github.com/microsoft/go-mssqldb. Import it for its side effect:
//
//	import _ "github.com/syssam/prism/driver/mssql"
package mssql

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/syssam/prism"
	"github.com/syssam/prism/config"
	"github.com/syssam/prism/dialect"
	sqlb "github.com/syssam/prism/dialect/sql"
	"github.com/syssam/prism/dialect/sql/sqlgraph"
	"github.com/syssam/prism/filter"
)

// MaxParams is the parameter limit of an RPC request.
const MaxParams = 2100

// DriverName is the database/sql driver used. The "sqlserver" driver
// binds @p1 style parameters, which the statement builder emits.
const DriverName = "sqlserver"

func init() {
	sqlb.Register(&sqlb.Backend{
		Dialect:    dialect.SQLServer,
		DriverName: DriverName,
		DSN:        DSN,
		Encode:     Encode,
		Classify:   Classify,
		MaxParams:  MaxParams,
	})
}

// params renames connection url parameters to the keys of the driver.
var params = map[string]string{
	"connect_timeout":        "connection timeout",
	"connecttimeout":         "connection timeout",
	"connection timeout":     "connection timeout",
	"trustservercertificate": "TrustServerCertificate",
	"applicationintent":      "ApplicationIntent",
	"app name":               "app name",
	"applicationname":        "app name",
}

// DSN converts a sqlserver:// url or an ODBC connection string into a
// go-mssqldb url.
func DSN(raw string) (string, error) {
	u, err := config.ParseURL(raw)
	if err != nil {
		return "", err
	}
	if u.Dialect != dialect.SQLServer {
		return "", prism.Errorf(prism.ConfigError, "%s url given to the sqlserver driver", u.Dialect)
	}
	q := url.Values{}
	db := u.Database
	for k, vs := range u.Params {
		lk := strings.ToLower(k)
		switch lk {
		case "connection_limit", "pool_timeout", "schema", "socket_timeout":
			continue
		case "database", "initial catalog":
			if db == "" {
				db = vs[0]
			}
			continue
		case "connect_timeout", "connecttimeout":
			if _, err := strconv.Atoi(vs[0]); err != nil {
				return "", prism.Errorf(prism.ConfigError, "invalid %s %q: not an integer", k, vs[0])
			}
		}
		if name, ok := params[lk]; ok {
			q.Set(name, vs[0])
		} else {
			q[k] = vs
		}
	}
	if db != "" {
		q.Set("database", db)
	}
	du := &url.URL{Scheme: "sqlserver", Host: u.Address(), RawQuery: q.Encode()}
	switch {
	case u.User != "" && u.Password != "":
		du.User = url.UserPassword(u.User, u.Password)
	case u.User != "":
		du.User = url.User(u.User)
	}
	return du.String(), nil
}

// Encode converts parameters for the driver. SQL Server has no array
// type, so list parameters are rejected.
func Encode(vs []filter.Value) ([]any, error) {
	out := make([]any, len(vs))
	for i, v := range vs {
		var err error
		if v.Kind() == filter.KindList {
			err = errors.New("list parameters are not supported by sqlserver")
		} else {
			out[i], err = sqlb.EncodeScalar(v)
		}
		if err != nil {
			e, _ := prism.AsError(prism.Wrap(prism.TypeConversion, err, "encode parameter"))
			return nil, e.With("position", strconv.Itoa(i+1)).
				WithSuggestion("store lists in a JSON column")
		}
	}
	return out, nil
}

// Classify maps mssql.Error by its error number.
func Classify(err error) (prism.ErrorCode, bool) {
	var me mssql.Error
	if errors.As(err, &me) {
		return sqlgraph.ClassifySQLServer(me.Number, me.Message)
	}
	var pe *mssql.Error
	if errors.As(err, &pe) && pe != nil {
		return sqlgraph.ClassifySQLServer(pe.Number, pe.Message)
	}
	return sqlgraph.Classify(err)
}
