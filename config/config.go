// Package config loads the engine configuration with the precedence
// defaults -> YAML file -> environment variables. Every field is
// named and validated; there is no pass-through bag of settings.
package config

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the complete engine configuration.
type Config struct {
	Server        ServerConfig    `yaml:"server" env:"SERVER"`
	Store         StoreConfig     `yaml:"store" env:"STORE"`
	FailureMemory FailmemConfig   `yaml:"failure_memory" env:"FAILMEM"`
	Router        RouterConfig    `yaml:"router" env:"ROUTER"`
	Scheduler     SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`
	Log           LogConfig       `yaml:"log" env:"LOG"`

	// Capabilities lists the optional components to enable. Unknown
	// names are rejected at validation, not silently dropped.
	Capabilities []string `yaml:"capabilities" env:"CAPABILITIES"`
}

// ServerConfig covers the process-level listeners.
type ServerConfig struct {
	// MetricsPort serves the prometheus endpoint. 0 disables it.
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// StoreConfig selects and tunes the backing database.
type StoreConfig struct {
	// Driver is one of sqlite, postgres, mysql.
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// FailmemConfig configures the failure memory log and its optional
// shared redis index.
type FailmemConfig struct {
	Path          string        `yaml:"path" env:"PATH"`
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
	RedisTTL      time.Duration `yaml:"redis_ttl" env:"REDIS_TTL"`
}

// BackendConfig declares one generation backend.
type BackendConfig struct {
	// Name is the unique identifier chains refer to.
	Name string `yaml:"name"`
	// Kind is one of openai_compat, ollama.
	Kind              string        `yaml:"kind"`
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

// RouterConfig declares the backends and the per-mode candidate chains.
type RouterConfig struct {
	Backends []BackendConfig     `yaml:"backends"`
	Chains   map[string][]string `yaml:"chains"`

	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout" env:"HEALTH_CHECK_TIMEOUT"`
	DefaultTimeout      time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`

	// RetryMaxRetries re-walks the candidate chain that many times when
	// every backend failed with a retryable error. Zero disables it.
	RetryMaxRetries int           `yaml:"retry_max_retries" env:"RETRY_MAX_RETRIES"`
	RetryDelay      time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
}

// SchedulerConfig bounds the scheduling loop.
type SchedulerConfig struct {
	MaxConcurrency     int           `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	DefaultNodeTimeout time.Duration `yaml:"default_node_timeout" env:"DEFAULT_NODE_TIMEOUT"`
	DefaultMaxRetries  int           `yaml:"default_max_retries" env:"DEFAULT_MAX_RETRIES"`
	RetryInitialDelay  time.Duration `yaml:"retry_initial_delay" env:"RETRY_INITIAL_DELAY"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	RetryMultiplier    float64       `yaml:"retry_multiplier" env:"RETRY_MULTIPLIER"`
	RetryJitter        bool          `yaml:"retry_jitter" env:"RETRY_JITTER"`
	ForceRediagnosis   bool          `yaml:"force_rediagnosis" env:"FORCE_REDIAGNOSIS"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format       string   `yaml:"format" env:"FORMAT"`
	OutputPaths  []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

var knownCapabilities = map[string]bool{
	"failure_memory": true,
	"model_router":   true,
	"metrics":        true,
}

var knownBackendKinds = map[string]bool{
	"openai_compat": true,
	"ollama":        true,
}

var knownDrivers = map[string]bool{
	"sqlite":   true,
	"postgres": true,
	"mysql":    true,
}

// DefaultConfig returns a single-node configuration: sqlite store,
// local failure memory, every capability enabled, no backends.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			MetricsPort:     9090,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Driver:          "sqlite",
			DSN:             "planforge.db",
			MaxIdleConns:    5,
			MaxOpenConns:    20,
			ConnMaxLifetime: time.Hour,
		},
		FailureMemory: FailmemConfig{
			Path: "failmem.ndjson",
		},
		Router: RouterConfig{
			HealthCheckInterval: 60 * time.Second,
			HealthCheckTimeout:  10 * time.Second,
			DefaultTimeout:      60 * time.Second,
			RetryMaxRetries:     1,
			RetryDelay:          2 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrency:     4,
			DefaultNodeTimeout: 10 * time.Minute,
			DefaultMaxRetries:  2,
			RetryInitialDelay:  time.Second,
			RetryMaxDelay:      30 * time.Second,
			RetryMultiplier:    2.0,
			RetryJitter:        true,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Capabilities: []string{"failure_memory", "model_router", "metrics"},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if !knownDrivers[c.Store.Driver] {
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store: dsn is required")
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		return fmt.Errorf("scheduler: max_concurrency must be positive")
	}
	if c.Scheduler.DefaultMaxRetries < 0 {
		return fmt.Errorf("scheduler: default_max_retries must not be negative")
	}

	for _, cap := range c.Capabilities {
		if !knownCapabilities[cap] {
			return fmt.Errorf("unknown capability %q", cap)
		}
	}

	names := make(map[string]bool, len(c.Router.Backends))
	for _, b := range c.Router.Backends {
		if b.Name == "" {
			return fmt.Errorf("router: backend with empty name")
		}
		if names[b.Name] {
			return fmt.Errorf("router: duplicate backend %q", b.Name)
		}
		names[b.Name] = true
		if !knownBackendKinds[b.Kind] {
			return fmt.Errorf("router: backend %q has unknown kind %q", b.Name, b.Kind)
		}
	}
	for mode, chain := range c.Router.Chains {
		if len(chain) == 0 {
			return fmt.Errorf("router: mode %q has an empty chain", mode)
		}
		for _, name := range chain {
			if !names[name] {
				return fmt.Errorf("router: mode %q references unknown backend %q", mode, name)
			}
		}
	}

	if c.HasCapability("failure_memory") && c.FailureMemory.Path == "" {
		return fmt.Errorf("failure_memory: path is required when the capability is enabled")
	}
	return nil
}

// HasCapability reports whether a capability is enabled.
func (c *Config) HasCapability(name string) bool {
	for _, cap := range c.Capabilities {
		if cap == name {
			return true
		}
	}
	return false
}

// BuildLogger constructs the process logger from the log section.
func (c *LogConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if len(c.OutputPaths) > 0 {
		zc.OutputPaths = c.OutputPaths
	}
	zc.DisableCaller = !c.EnableCaller
	return zc.Build()
}
