// Package mysql registers the MySQL and MariaDB backend of prism. Import
// it for its side effect:
//
//	import _ "github.com/syssam/prism/driver/mysql"
package mysql

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/syssam/prism"
	"github.com/syssam/prism/config"
	"github.com/syssam/prism/dialect"
	sqlb "github.com/syssam/prism/dialect/sql"
	"github.com/syssam/prism/dialect/sql/sqlgraph"
	"github.com/syssam/prism/filter"
)

// MaxParams is the placeholder limit of a prepared statement.
const MaxParams = 65535

func init() {
	sqlb.Register(&sqlb.Backend{
		Dialect:    dialect.MySQL,
		DriverName: "mysql",
		DSN:        DSN,
		Encode:     Encode,
		Classify:   Classify,
		MaxParams:  MaxParams,
	})
}

// DSN converts a mysql:// url into a go-sql-driver/mysql data source
// name. Time values are parsed into time.Time. The timeout parameter is
// the dial timeout in seconds, sslaccept=strict requires verified TLS
// and sslaccept=accept_invalid_certs skips verification. Other
// parameters are sent as session variables.
func DSN(raw string) (string, error) {
	u, err := config.ParseURL(raw)
	if err != nil {
		return "", err
	}
	if u.Dialect != dialect.MySQL {
		return "", prism.Errorf(prism.ConfigError, "%s url given to the mysql driver", u.Dialect)
	}
	cfg := mysql.NewConfig()
	cfg.User = u.User
	cfg.Passwd = u.Password
	cfg.Net = "tcp"
	cfg.Addr = u.Address()
	cfg.DBName = u.Database
	cfg.ParseTime = true
	for k, vs := range u.Params {
		v := vs[0]
		switch k {
		case "connection_limit", "pool_timeout":
		case "timeout", "connect_timeout":
			n, err := strconv.Atoi(v)
			if err != nil {
				return "", prism.Errorf(prism.ConfigError, "invalid %s %q: not an integer", k, v)
			}
			cfg.Timeout = time.Duration(n) * time.Second
		case "socket":
			cfg.Net, cfg.Addr = "unix", v
		case "sslaccept":
			switch v {
			case "strict":
				cfg.TLSConfig = "true"
			case "accept_invalid_certs":
				cfg.TLSConfig = "skip-verify"
			default:
				return "", prism.Errorf(prism.ConfigError, "invalid sslaccept %q", v).
					WithSuggestion("use strict or accept_invalid_certs")
			}
		case "charset":
			if err := cfg.Apply(mysql.Charset(v, u.Params.Get("collation"))); err != nil {
				return "", prism.Wrap(prism.ConfigError, err, "invalid charset")
			}
		case "collation":
			if u.Params.Get("charset") == "" {
				cfg.Collation = v
			}
		default:
			if cfg.Params == nil {
				cfg.Params = make(map[string]string)
			}
			cfg.Params[k] = v
		}
	}
	return cfg.FormatDSN(), nil
}

// Encode converts parameters for the driver. Lists are sent as JSON
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

// Classify maps *mysql.MySQLError by its error number. Errors of the
// client library that mean the connection is unusable are ConnectionLost.
func Classify(err error) (prism.ErrorCode, bool) {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		if c, ok := sqlgraph.ClassifyMySQL(me.Number); ok {
			return c, true
		}
		if state := string(me.SQLState[:]); strings.Trim(state, "\x00") != "" {
			return sqlgraph.ClassifySQLState(state)
		}
		return prism.Internal, false
	}
	switch {
	case errors.Is(err, mysql.ErrInvalidConn), errors.Is(err, mysql.ErrMalformPkt), errors.Is(err, mysql.ErrPktSync):
		return prism.ConnectionLost, true
	}
	return sqlgraph.Classify(err)
}
