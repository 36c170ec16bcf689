package pool

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/syssam/prism"
)

// CancelPolicy selects what happens to a connection whose statement was
// interrupted by context cancellation.
type CancelPolicy uint8

const (
	// MarkBroken closes the connection on release. The wire state after
	// an interrupted statement is unknown.
	MarkBroken CancelPolicy = iota
	// DriverCancel keeps the connection, relying on the driver to send a
	// cancel request (PostgreSQL and MySQL drivers do).
	DriverCancel
)

func (p CancelPolicy) String() string {
	if p == DriverCancel {
		return "driver_cancel"
	}
	return "mark_broken"
}

// Config holds pool settings.
type Config struct {
	MaxConns int
	MinConns int
	// AcquireTimeout bounds the wait for a free connection.
	AcquireTimeout time.Duration
	// ConnectTimeout bounds the dial of a new connection.
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	// RetryAttempts is the number of extra dial attempts after a
	// recoverable connect failure.
	RetryAttempts int
	RetryDelay    time.Duration
	// HealthCheckInterval is the period of the maintenance loop; zero
	// disables it.
	HealthCheckInterval time.Duration
	// ValidateOnAcquire pings idle connections before handing them out.
	ValidateOnAcquire bool
	Cancel            CancelPolicy
}

// DefaultConfig returns the configuration used for zero fields.
func DefaultConfig() Config {
	return Config{
		MaxConns:            10,
		MinConns:            1,
		AcquireTimeout:      30 * time.Second,
		ConnectTimeout:      10 * time.Second,
		IdleTimeout:         10 * time.Minute,
		MaxLifetime:         30 * time.Minute,
		RetryAttempts:       2,
		RetryDelay:          100 * time.Millisecond,
		HealthCheckInterval: time.Minute,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConns <= 0 {
		c.MaxConns = d.MaxConns
	}
	if c.MinConns < 0 {
		c.MinConns = 0
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	return c
}

// Validate reports inconsistent settings.
func (c Config) Validate() error {
	switch {
	case c.MaxConns < 0:
		return prism.Errorf(prism.ConfigError, "pool max_conns must not be negative, got %d", c.MaxConns)
	case c.MinConns < 0:
		return prism.Errorf(prism.ConfigError, "pool min_conns must not be negative, got %d", c.MinConns)
	case c.MaxConns > 0 && c.MinConns > c.MaxConns:
		return prism.Errorf(prism.ConfigError, "pool min_conns (%d) exceeds max_conns (%d)", c.MinConns, c.MaxConns)
	case c.RetryAttempts < 0:
		return prism.Errorf(prism.ConfigError, "pool retry_attempts must not be negative, got %d", c.RetryAttempts)
	}
	return nil
}

// LowLatency keeps warm connections and fails fast.
func LowLatency() Config {
	return Config{
		MaxConns:            20,
		MinConns:            10,
		AcquireTimeout:      time.Second,
		ConnectTimeout:      2 * time.Second,
		IdleTimeout:         30 * time.Minute,
		MaxLifetime:         time.Hour,
		RetryAttempts:       1,
		RetryDelay:          10 * time.Millisecond,
		HealthCheckInterval: 15 * time.Second,
		ValidateOnAcquire:   true,
	}
}

// HighThroughput favors many concurrent connections.
func HighThroughput() Config {
	return Config{
		MaxConns:            50,
		MinConns:            10,
		AcquireTimeout:      10 * time.Second,
		ConnectTimeout:      5 * time.Second,
		IdleTimeout:         10 * time.Minute,
		MaxLifetime:         30 * time.Minute,
		RetryAttempts:       3,
		RetryDelay:          50 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
	}
}

// ReadHeavy suits read replicas serving many short queries.
func ReadHeavy() Config {
	return Config{
		MaxConns:            40,
		MinConns:            8,
		AcquireTimeout:      5 * time.Second,
		ConnectTimeout:      5 * time.Second,
		IdleTimeout:         15 * time.Minute,
		MaxLifetime:         time.Hour,
		RetryAttempts:       3,
		RetryDelay:          50 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
	}
}

// WriteHeavy keeps fewer connections to limit lock contention.
func WriteHeavy() Config {
	return Config{
		MaxConns:            20,
		MinConns:            4,
		AcquireTimeout:      15 * time.Second,
		ConnectTimeout:      5 * time.Second,
		IdleTimeout:         10 * time.Minute,
		MaxLifetime:         30 * time.Minute,
		RetryAttempts:       2,
		RetryDelay:          100 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Mixed is a balanced profile.
func Mixed() Config {
	return Config{
		MaxConns:            25,
		MinConns:            5,
		AcquireTimeout:      10 * time.Second,
		ConnectTimeout:      5 * time.Second,
		IdleTimeout:         10 * time.Minute,
		MaxLifetime:         30 * time.Minute,
		RetryAttempts:       2,
		RetryDelay:          100 * time.Millisecond,
		HealthCheckInterval: time.Minute,
	}
}

// BatchProcessing allows long waits and long-lived connections.
func BatchProcessing() Config {
	return Config{
		MaxConns:            10,
		MinConns:            2,
		AcquireTimeout:      time.Minute,
		ConnectTimeout:      30 * time.Second,
		IdleTimeout:         30 * time.Minute,
		MaxLifetime:         2 * time.Hour,
		RetryAttempts:       5,
		RetryDelay:          time.Second,
		HealthCheckInterval: 5 * time.Minute,
	}
}

// Serverless keeps no idle connections and retires them quickly.
func Serverless() Config {
	return Config{
		MaxConns:       5,
		MinConns:       0,
		AcquireTimeout: 5 * time.Second,
		ConnectTimeout: 5 * time.Second,
		IdleTimeout:    30 * time.Second,
		MaxLifetime:    5 * time.Minute,
		RetryAttempts:  3,
		RetryDelay:     100 * time.Millisecond,
	}
}

// Development is a small pool with generous timeouts.
func Development() Config {
	return Config{
		MaxConns:            5,
		MinConns:            1,
		AcquireTimeout:      30 * time.Second,
		ConnectTimeout:      10 * time.Second,
		IdleTimeout:         5 * time.Minute,
		MaxLifetime:         30 * time.Minute,
		RetryAttempts:       1,
		RetryDelay:          100 * time.Millisecond,
		HealthCheckInterval: time.Minute,
	}
}

var presets = map[string]func() Config{
	"low_latency":      LowLatency,
	"high_throughput":  HighThroughput,
	"read_heavy":       ReadHeavy,
	"write_heavy":      WriteHeavy,
	"mixed":            Mixed,
	"batch_processing": BatchProcessing,
	"serverless":       Serverless,
	"development":      Development,
}

// Preset returns the named preset, for example "high_throughput".
func Preset(name string) (Config, error) {
	fn, ok := presets[strings.ToLower(strings.ReplaceAll(name, "-", "_"))]
	if !ok {
		return Config{}, prism.Errorf(prism.ConfigError, "unknown pool preset %q", name).
			With("presets", strings.Join(Presets(), ","))
	}
	return fn(), nil
}

// Presets returns the preset names, sorted.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Size bounds of SizeFor.
const (
	MinSize = 5
	MaxSize = 100
)

// SizeFor derives a pool size from the expected load using Little's law:
// the mean number of busy connections is qps times the mean latency. The
// result carries 20% headroom and is clamped to [MinSize, MaxSize].
func SizeFor(qps, avgLatencyMs float64) int {
	busy := qps * avgLatencyMs / 1000
	n := int(math.Ceil(busy*1.2 - 1e-9))
	return min(max(n, MinSize), MaxSize)
}
