package config

import (
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
)

// URL is a parsed connection URL.
type URL struct {
	// Dialect is the dialect name of the scheme, for example
	// dialect.Postgres for "postgresql://".
	Dialect  string
	User     string
	Password string
	Host     string
	// Port is the explicit port, or the default port of the dialect.
	Port int
	// Database is the database name, or the file path of an embedded
	// database. It is empty for in-memory databases.
	Database string
	Memory   bool
	Params   url.Values
}

var defaultPorts = map[string]int{
	dialect.Postgres:  5432,
	dialect.MySQL:     3306,
	dialect.SQLServer: 1433,
	dialect.MongoDB:   27017,
	dialect.ScyllaDB:  9042,
}

var schemes = map[string]string{
	"postgresql":  dialect.Postgres,
	"postgres":    dialect.Postgres,
	"mysql":       dialect.MySQL,
	"mariadb":     dialect.MySQL,
	"sqlite":      dialect.SQLite,
	"file":        dialect.SQLite,
	"mssql":       dialect.SQLServer,
	"sqlserver":   dialect.SQLServer,
	"mongodb":     dialect.MongoDB,
	"mongodb+srv": dialect.MongoDB,
	"scylladb":    dialect.ScyllaDB,
	"cassandra":   dialect.ScyllaDB,
	"duckdb":      dialect.DuckDB,
}

// ParseURL parses a connection URL:
//
//	postgresql://[user[:pass]@]host[:port]/db[?sslmode=...]
//	mysql://[user[:pass]@]host[:port]/db
//	sqlite:path[?foreign_keys=true&journal_mode=wal]  sqlite::memory:
//	mongodb://...  mssql://...  duckdb://[path][?threads=4]
//
// SQL Server also accepts ODBC style strings such as
// "Server=db,1433;Database=app;User Id=sa;Password=secret;".
func ParseURL(raw string) (*URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, prism.New(prism.ConfigError, "connection url is empty").
			WithSuggestion("set database.url, for example url = \"${DATABASE_URL}\"")
	}
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok || strings.Contains(scheme, "=") {
		if strings.Contains(raw, "=") {
			return parseODBC(raw)
		}
		return nil, prism.Errorf(prism.ConfigError, "connection url %q has no scheme", redact(raw))
	}
	d, ok := schemes[strings.ToLower(scheme)]
	if !ok {
		return nil, prism.Errorf(prism.ConfigError, "unsupported connection url scheme %q", scheme)
	}
	var (
		u   *URL
		err error
	)
	switch d {
	case dialect.SQLite, dialect.DuckDB:
		u, err = parseFile(d, rest)
	default:
		u, err = parseNetwork(d, raw)
	}
	if err != nil {
		return nil, err
	}
	if err := u.validate(); err != nil {
		return nil, err
	}
	return u, nil
}

func parseNetwork(d, raw string) (*URL, error) {
	pu, err := url.Parse(raw)
	if err != nil {
		return nil, prism.Wrap(prism.ConfigError, err, "invalid connection url")
	}
	u := &URL{Dialect: d, Host: pu.Hostname(), Params: pu.Query()}
	if pu.User != nil {
		u.User = pu.User.Username()
		u.Password, _ = pu.User.Password()
	}
	if p := pu.Port(); p != "" {
		if u.Port, err = strconv.Atoi(p); err != nil {
			return nil, prism.Errorf(prism.ConfigError, "invalid port %q", p)
		}
	}
	if u.Port == 0 && pu.Scheme != "mongodb+srv" {
		u.Port = defaultPorts[d]
	}
	u.Database = strings.TrimPrefix(pu.Path, "/")
	if u.Host == "" {
		return nil, prism.Errorf(prism.ConfigError, "connection url %q has no host", redact(raw))
	}
	return u, nil
}

// parseFile parses the part after the scheme of an embedded database url:
// "path", "//path", ":memory:" or an empty path.
func parseFile(d, rest string) (*URL, error) {
	path, query, _ := strings.Cut(rest, "?")
	params, err := url.ParseQuery(query)
	if err != nil {
		return nil, prism.Wrap(prism.ConfigError, err, "invalid connection url parameters")
	}
	path = strings.TrimPrefix(path, "//")
	u := &URL{Dialect: d, Params: params}
	switch path {
	case "", ":memory:", "memory":
		u.Memory = true
	default:
		u.Database = path
	}
	return u, nil
}

// parseODBC parses a semicolon separated key=value connection string of
// SQL Server.
func parseODBC(raw string) (*URL, error) {
	u := &URL{Dialect: dialect.SQLServer, Port: defaultPorts[dialect.SQLServer], Params: url.Values{}}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, prism.Errorf(prism.ConfigError, "invalid connection string part %q", redact(part))
		}
		k, v = strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(v)
		switch k {
		case "server", "data source", "address", "addr":
			v = strings.TrimPrefix(v, "tcp:")
			host, port, found := strings.Cut(v, ",")
			u.Host = host
			if found {
				n, err := strconv.Atoi(strings.TrimSpace(port))
				if err != nil {
					return nil, prism.Errorf(prism.ConfigError, "invalid port %q", port)
				}
				u.Port = n
			}
		case "database", "initial catalog":
			u.Database = v
		case "user id", "uid", "user":
			u.User = v
		case "password", "pwd":
			u.Password = v
		default:
			u.Params.Set(k, v)
		}
	}
	if u.Host == "" {
		return nil, prism.New(prism.ConfigError, "connection string has no Server")
	}
	return u, nil
}

var (
	sslModes     = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	synchronous  = []string{"off", "normal", "full", "extra"}
	journalModes = []string{"delete", "truncate", "persist", "memory", "wal", "off"}
	accessModes  = []string{"read_only", "read_write", "automatic"}
)

func (u *URL) validate() error {
	switch u.Dialect {
	case dialect.Postgres:
		if err := u.oneOf("sslmode", sslModes); err != nil {
			return err
		}
		return u.integer("connect_timeout")
	case dialect.MySQL:
		return u.integer("timeout")
	case dialect.SQLite:
		for _, k := range []string{"foreign_keys", "wal_mode"} {
			if err := u.boolean(k); err != nil {
				return err
			}
		}
		for _, k := range []string{"busy_timeout", "cache_size"} {
			if err := u.integer(k); err != nil {
				return err
			}
		}
		if err := u.oneOf("synchronous", synchronous); err != nil {
			return err
		}
		return u.oneOf("journal_mode", journalModes)
	case dialect.DuckDB:
		if err := u.integer("threads"); err != nil {
			return err
		}
		return u.oneOf("access_mode", accessModes)
	}
	return nil
}

func (u *URL) oneOf(key string, allowed []string) error {
	v := u.Params.Get(key)
	if v == "" || slices.Contains(allowed, strings.ToLower(v)) {
		return nil
	}
	return prism.Errorf(prism.ConfigError, "invalid %s %q", key, v).
		WithSuggestion("use one of " + strings.Join(allowed, ", "))
}

func (u *URL) integer(key string) error {
	v := u.Params.Get(key)
	if v == "" {
		return nil
	}
	if _, err := strconv.Atoi(v); err != nil {
		return prism.Errorf(prism.ConfigError, "invalid %s %q: not an integer", key, v)
	}
	return nil
}

func (u *URL) boolean(key string) error {
	v := u.Params.Get(key)
	if v == "" {
		return nil
	}
	if _, err := strconv.ParseBool(v); err != nil {
		return prism.Errorf(prism.ConfigError, "invalid %s %q: not a boolean", key, v)
	}
	return nil
}

// Bool returns the boolean parameter key, or def when it is absent.
func (u *URL) Bool(key string, def bool) bool {
	b, err := strconv.ParseBool(u.Params.Get(key))
	if err != nil {
		return def
	}
	return b
}

// Int returns the integer parameter key, or def when it is absent.
func (u *URL) Int(key string, def int) int {
	n, err := strconv.Atoi(u.Params.Get(key))
	if err != nil {
		return def
	}
	return n
}

// Address returns host:port.
func (u *URL) Address() string {
	if u.Port == 0 {
		return u.Host
	}
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// String returns the url with the password masked.
func (u *URL) String() string {
	scheme := u.Dialect
	if scheme == dialect.Postgres {
		scheme = "postgresql"
	}
	if u.Dialect == dialect.SQLite || u.Dialect == dialect.DuckDB {
		path := u.Database
		if u.Memory {
			path = ":memory:"
		}
		s := scheme + ":" + path
		if len(u.Params) > 0 {
			s += "?" + u.Params.Encode()
		}
		return s
	}
	nu := &url.URL{Scheme: scheme, Host: u.Address(), Path: "/" + u.Database}
	switch {
	case u.User != "" && u.Password != "":
		nu.User = url.UserPassword(u.User, "xxxxx")
	case u.User != "":
		nu.User = url.User(u.User)
	}
	if len(u.Params) > 0 {
		nu.RawQuery = u.Params.Encode()
	}
	return nu.String()
}

// redact hides the password of a raw url for error messages.
func redact(raw string) string {
	if pu, err := url.Parse(raw); err == nil && pu.User != nil {
		if _, ok := pu.User.Password(); ok {
			return pu.Redacted()
		}
	}
	if i := strings.Index(strings.ToLower(raw), "password="); i >= 0 {
		return raw[:i] + "password=xxxxx"
	}
	return raw
}
