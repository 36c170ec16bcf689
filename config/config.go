// Package config loads prism configuration files.
//
// A configuration file is TOML or YAML, chosen by its extension:
//
//	[database]
//	provider = "postgresql"
//	url = "${DATABASE_URL}"
//
//	[database.pool]
//	max = 20
//	connect_timeout = "5s"
//
//	[debug]
//	log_queries = true
//	slow_query_threshold_ms = 200
//
//	[environments.test.database]
//	url = "postgresql://localhost/app_test"
//
// String values may reference environment variables; see Expand.
package config

import (
	"bytes"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/middleware"
	"github.com/syssam/prism/pool"
)

// EnvVar names the environment variable selecting the environment section
// applied by Load.
const EnvVar = "PRISM_ENV"

// Config is the content of a configuration file.
type Config struct {
	Database     Database               `toml:"database" yaml:"database"`
	Schema       Schema                 `toml:"schema" yaml:"schema"`
	Generator    Generator              `toml:"generator" yaml:"generator"`
	Migrations   Migrations             `toml:"migrations" yaml:"migrations"`
	Seed         Seed                   `toml:"seed" yaml:"seed"`
	Debug        Debug                  `toml:"debug" yaml:"debug"`
	Environments map[string]Environment `toml:"environments" yaml:"environments"`

	// Environment is the name of the applied environment section.
	Environment string `toml:"-" yaml:"-"`
}

// Database configures the connection.
type Database struct {
	// Provider is one of postgresql, mysql, sqlite, mongodb, mssql and
	// scylladb.
	Provider string `toml:"provider" yaml:"provider"`
	URL      string `toml:"url" yaml:"url"`
	Pool     Pool   `toml:"pool" yaml:"pool"`
}

// Pool configures the connection pool. Zero fields keep the pool
// defaults.
type Pool struct {
	// Preset names a pool.Preset the other fields override.
	Preset         string   `toml:"preset" yaml:"preset"`
	Min            int      `toml:"min" yaml:"min"`
	Max            int      `toml:"max" yaml:"max"`
	ConnectTimeout Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	AcquireTimeout Duration `toml:"acquire_timeout" yaml:"acquire_timeout"`
	IdleTimeout    Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	MaxLifetime    Duration `toml:"max_lifetime" yaml:"max_lifetime"`
}

type Schema struct {
	Path string `toml:"path" yaml:"path"`
}

type Generator struct {
	Client GeneratorClient `toml:"client" yaml:"client"`
}

type GeneratorClient struct {
	Output          string   `toml:"output" yaml:"output"`
	Async           bool     `toml:"async" yaml:"async"`
	Tracing         bool     `toml:"tracing" yaml:"tracing"`
	PreviewFeatures []string `toml:"preview_features" yaml:"preview_features"`
}

type Migrations struct {
	Directory   string `toml:"directory" yaml:"directory"`
	AutoMigrate bool   `toml:"auto_migrate" yaml:"auto_migrate"`
	TableName   string `toml:"table_name" yaml:"table_name"`
}

type Seed struct {
	Script       string          `toml:"script" yaml:"script"`
	AutoSeed     bool            `toml:"auto_seed" yaml:"auto_seed"`
	Environments map[string]bool `toml:"environments" yaml:"environments"`
}

// Debug configures statement logging.
type Debug struct {
	LogQueries           bool `toml:"log_queries" yaml:"log_queries"`
	PrettySQL            bool `toml:"pretty_sql" yaml:"pretty_sql"`
	SlowQueryThresholdMs int  `toml:"slow_query_threshold_ms" yaml:"slow_query_threshold_ms"`
}

// Environment overrides the database and debug sections. Only the keys
// present in the file override.
type Environment struct {
	Database DatabaseOverride `toml:"database" yaml:"database"`
	Debug    DebugOverride    `toml:"debug" yaml:"debug"`
}

type DatabaseOverride struct {
	Provider *string `toml:"provider" yaml:"provider"`
	URL      *string `toml:"url" yaml:"url"`
	Pool     *Pool   `toml:"pool" yaml:"pool"`
}

type DebugOverride struct {
	LogQueries           *bool `toml:"log_queries" yaml:"log_queries"`
	PrettySQL            *bool `toml:"pretty_sql" yaml:"pretty_sql"`
	SlowQueryThresholdMs *int  `toml:"slow_query_threshold_ms" yaml:"slow_query_threshold_ms"`
}

// Duration is a duration written as a Go duration string ("30s") or as
// integer seconds.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler. TOML integers reach
// it as their text too.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return prism.Errorf(prism.ConfigError, "invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Option configures Load and Parse.
type Option func(*loader)

type loader struct {
	lookup LookupFunc
	env    string
	envSet bool
}

// WithLookup replaces os.LookupEnv for variable expansion and EnvVar.
func WithLookup(fn LookupFunc) Option {
	return func(l *loader) { l.lookup = fn }
}

// WithEnvironment applies the named environment section instead of the
// one named by EnvVar. An empty name applies none.
func WithEnvironment(name string) Option {
	return func(l *loader) { l.env, l.envSet = name, true }
}

// Load reads the configuration file at path. Files ending in .toml are
// TOML; .yaml and .yml are YAML.
func Load(path string, opts ...Option) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, prism.New(prism.ConfigError, "read configuration").WithCause(err).With("path", path)
	}
	c, err := Parse(data, Format(path), opts...)
	if err != nil {
		if e, ok := prism.AsError(err); ok {
			return nil, e.With("path", path)
		}
		return nil, err
	}
	return c, nil
}

// Format returns the format of a configuration file by its extension:
// "toml" or "yaml". Unknown extensions are TOML.
func Format(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	}
	return "toml"
}

// Parse decodes a configuration in the format "toml" or "yaml", expands
// its variables, applies the selected environment and validates it.
func Parse(data []byte, format string, opts ...Option) (*Config, error) {
	l := &loader{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(l)
	}
	c := &Config{}
	switch format {
	case "toml":
		d := toml.NewDecoder(bytes.NewReader(data))
		d.DisallowUnknownFields()
		if err := d.Decode(c); err != nil {
			return nil, prism.Wrap(prism.ConfigError, err, "decode toml configuration")
		}
	case "yaml":
		d := yaml.NewDecoder(bytes.NewReader(data))
		d.KnownFields(true)
		if err := d.Decode(c); err != nil && len(bytes.TrimSpace(data)) > 0 {
			return nil, prism.Wrap(prism.ConfigError, err, "decode yaml configuration")
		}
	default:
		return nil, prism.Errorf(prism.ConfigError, "unknown configuration format %q", format)
	}
	env := l.env
	if !l.envSet {
		env, _ = l.lookup(EnvVar)
	}
	if env != "" {
		var err error
		if c, err = c.ForEnvironment(env); err != nil {
			return nil, err
		}
	}
	if err := c.expand(l.lookup); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ForEnvironment returns a copy of c with the named environment section
// applied.
func (c *Config) ForEnvironment(name string) (*Config, error) {
	e, ok := c.Environments[name]
	if !ok {
		return nil, prism.Errorf(prism.ConfigError, "unknown environment %q", name).
			With("environments", strings.Join(slices.Sorted(maps.Keys(c.Environments)), ","))
	}
	out := *c
	out.Environment = name
	if v := e.Database.Provider; v != nil {
		out.Database.Provider = *v
	}
	if v := e.Database.URL; v != nil {
		out.Database.URL = *v
	}
	if p := e.Database.Pool; p != nil {
		out.Database.Pool = out.Database.Pool.merge(*p)
	}
	if v := e.Debug.LogQueries; v != nil {
		out.Debug.LogQueries = *v
	}
	if v := e.Debug.PrettySQL; v != nil {
		out.Debug.PrettySQL = *v
	}
	if v := e.Debug.SlowQueryThresholdMs; v != nil {
		out.Debug.SlowQueryThresholdMs = *v
	}
	return &out, nil
}

func (p Pool) merge(o Pool) Pool {
	if o.Preset != "" {
		p.Preset = o.Preset
	}
	if o.Min != 0 {
		p.Min = o.Min
	}
	if o.Max != 0 {
		p.Max = o.Max
	}
	for _, f := range []struct{ dst, src *Duration }{
		{&p.ConnectTimeout, &o.ConnectTimeout},
		{&p.AcquireTimeout, &o.AcquireTimeout},
		{&p.IdleTimeout, &o.IdleTimeout},
		{&p.MaxLifetime, &o.MaxLifetime},
	} {
		if *f.src != 0 {
			*f.dst = *f.src
		}
	}
	return p
}

func (c *Config) expand(lookup LookupFunc) error {
	for _, s := range []*string{
		&c.Database.URL,
		&c.Schema.Path,
		&c.Generator.Client.Output,
		&c.Migrations.Directory,
		&c.Seed.Script,
	} {
		v, err := Expand(*s, lookup)
		if err != nil {
			return err
		}
		*s = v
	}
	return nil
}

var providers = map[string]string{
	"postgresql": dialect.Postgres,
	"postgres":   dialect.Postgres,
	"mysql":      dialect.MySQL,
	"sqlite":     dialect.SQLite,
	"mongodb":    dialect.MongoDB,
	"mssql":      dialect.SQLServer,
	"sqlserver":  dialect.SQLServer,
	"scylladb":   dialect.ScyllaDB,
}

// Validate checks the provider, the url and the pool settings.
func (c *Config) Validate() error {
	d := c.Database
	if d.Provider == "" && d.URL == "" {
		return prism.New(prism.ConfigError, "database section is missing").
			WithSuggestion("set database.provider and database.url")
	}
	if d.Provider != "" {
		if _, ok := providers[strings.ToLower(d.Provider)]; !ok {
			return prism.Errorf(prism.ConfigError, "unknown database provider %q", d.Provider).
				WithSuggestion("use one of postgresql, mysql, sqlite, mongodb, mssql, scylladb")
		}
	}
	if d.URL != "" {
		u, err := ParseURL(d.URL)
		if err != nil {
			return err
		}
		if d.Provider != "" && u.Dialect != c.Dialect() {
			return prism.Errorf(prism.ConfigError, "database url is a %s url but the provider is %s", u.Dialect, d.Provider)
		}
	}
	if d.Pool.Preset != "" {
		if _, err := pool.Preset(d.Pool.Preset); err != nil {
			return err
		}
	}
	if d.Pool.Min < 0 || d.Pool.Max < 0 || (d.Pool.Max > 0 && d.Pool.Min > d.Pool.Max) {
		return prism.Errorf(prism.ConfigError, "invalid pool size min=%d max=%d", d.Pool.Min, d.Pool.Max)
	}
	return nil
}

// Dialect returns the dialect name of the provider, or of the url scheme
// when no provider is set.
func (c *Config) Dialect() string {
	if d, ok := providers[strings.ToLower(c.Database.Provider)]; ok {
		return d
	}
	if u, err := ParseURL(c.Database.URL); err == nil {
		return u.Dialect
	}
	return ""
}

// URL parses the database url.
func (c *Config) URL() (*URL, error) {
	return ParseURL(c.Database.URL)
}

// PoolConfig returns the pool configuration: the preset, if any, with the
// set fields applied.
func (c *Config) PoolConfig() pool.Config {
	p := c.Database.Pool
	cfg := pool.DefaultConfig()
	if p.Preset != "" {
		if pc, err := pool.Preset(p.Preset); err == nil {
			cfg = pc
		}
	}
	if p.Max > 0 {
		cfg.MaxConns = p.Max
	}
	if p.Min > 0 {
		cfg.MinConns = p.Min
	}
	if cfg.MinConns > cfg.MaxConns {
		cfg.MinConns = cfg.MaxConns
	}
	for _, f := range []struct {
		dst *time.Duration
		src Duration
	}{
		{&cfg.ConnectTimeout, p.ConnectTimeout},
		{&cfg.AcquireTimeout, p.AcquireTimeout},
		{&cfg.IdleTimeout, p.IdleTimeout},
		{&cfg.MaxLifetime, p.MaxLifetime},
	} {
		if f.src > 0 {
			*f.dst = f.src.Std()
		}
	}
	return cfg
}

// SlowQueryThreshold returns the slow statement threshold, or zero.
func (d Debug) SlowQueryThreshold() time.Duration {
	return time.Duration(d.SlowQueryThresholdMs) * time.Millisecond
}

// Middleware returns the statement logging wrappers the debug section
// asks for.
func (d Debug) Middleware(l *slog.Logger) []middleware.Middleware {
	if !d.LogQueries && d.SlowQueryThresholdMs <= 0 {
		return nil
	}
	opts := []middleware.Option{middleware.WithLogger(l)}
	if t := d.SlowQueryThreshold(); t > 0 {
		opts = append(opts, middleware.WithSlowThreshold(t))
	}
	return []middleware.Middleware{middleware.Logging(opts...)}
}
