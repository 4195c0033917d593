package baton

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings like "45s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RetryConfig tunes retry behavior for a class of transient failures.
type RetryConfig struct {
	Max  int      `toml:"max"`
	Base Duration `toml:"base"`
}

// StoreConfig selects a persistence backend.
type StoreConfig struct {
	// Driver is "memory", "sqlite", or "postgres".
	Driver string `toml:"driver"`
	// DSN is the database path (sqlite) or connection string (postgres).
	DSN string `toml:"dsn"`
}

// ObserverConfig configures OpenTelemetry export.
type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service_name"`
}

// Config is the runner configuration, loadable from TOML.
type Config struct {
	// AppName tags sessions created by the runner.
	AppName string `toml:"app_name"`
	// ToolTimeout bounds each tool attempt. Zero means DefaultToolTimeout.
	ToolTimeout Duration `toml:"tool_timeout"`
	// ModelTimeout bounds each model-step attempt. Zero disables the
	// deadline.
	ModelTimeout Duration `toml:"model_timeout"`
	// MaxIterations caps agent model-call loops when the agent does not set
	// its own. Zero means DefaultMaxIterations.
	MaxIterations int `toml:"max_iterations"`
	// MaxParallelTools bounds concurrent tool executions within one model
	// step. Zero means unbounded.
	MaxParallelTools int `toml:"max_parallel_tools"`
	// ModelRetry governs retries of transient model failures.
	ModelRetry RetryConfig `toml:"model_retry"`

	Store    StoreConfig    `toml:"store"`
	Observer ObserverConfig `toml:"observer"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ToolTimeout:   Duration(DefaultToolTimeout),
		MaxIterations: DefaultMaxIterations,
		ModelRetry:    RetryConfig{Max: 2, Base: Duration(500 * time.Millisecond)},
		Store:         StoreConfig{Driver: "memory"},
	}
}

// LoadConfig reads a TOML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("load config %s: unknown key %s", path, undec[0])
	}
	return cfg, nil
}
