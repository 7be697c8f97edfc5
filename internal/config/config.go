// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig             `yaml:"server"`
	Definitions   DefinitionsConfig        `yaml:"definitions"`
	Services      map[string]ServiceConfig `yaml:"services"`
	Engine        EngineConfig             `yaml:"engine"`
	Store         StoreConfig              `yaml:"store"`
	Observability ObservabilityConfig      `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefinitionsConfig describes where to find definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// ServiceConfig describes a backend service. The map key in Config.Services
// is the service name referenced by SERVICE step operations; Entities lists
// the entity names this service owns for CRUD calls.
type ServiceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Path           string               `yaml:"path"`
	Timeout        time.Duration        `yaml:"timeout"`
	Headers        map[string]string    `yaml:"headers"`
	Entities       []string             `yaml:"entities"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings per service.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// EngineConfig describes process execution settings.
type EngineConfig struct {
	Backend              string         `yaml:"backend"`
	TaskSweepInterval    time.Duration  `yaml:"task_sweep_interval"`
	SchedulePollInterval time.Duration  `yaml:"schedule_poll_interval"`
	DefaultTaskTimeout   time.Duration  `yaml:"default_task_timeout"`
	Temporal             TemporalConfig `yaml:"temporal"`
}

// TemporalConfig describes the durable backend connection.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
	TaskQueue string `yaml:"task_queue"`
}

// StoreConfig describes process state persistence settings.
type StoreConfig struct {
	Driver   string         `yaml:"driver"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig describes Redis connection settings.
type RedisConfig struct {
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// PostgresConfig describes PostgreSQL connection settings.
type PostgresConfig struct {
	DSNEnv       string        `yaml:"dsn_env"`
	MaxConns     int           `yaml:"max_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Engine: EngineConfig{
			Backend:              "lite",
			TaskSweepInterval:    60 * time.Second,
			SchedulePollInterval: 30 * time.Second,
			DefaultTaskTimeout:   72 * time.Hour,
			Temporal: TemporalConfig{
				HostPort:  "localhost:7233",
				Namespace: "default",
				TaskQueue: "conduct-processes",
			},
		},
		Store: StoreConfig{
			Driver: "memory",
			Redis: RedisConfig{
				AddrEnv: "CONDUCT_REDIS_ADDR",
			},
			Postgres: PostgresConfig{
				DSNEnv:       "CONDUCT_POSTGRES_DSN",
				MaxConns:     25,
				ConnLifetime: 5 * time.Minute,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	switch c.Engine.Backend {
	case "lite", "durable", "auto":
	default:
		errs = append(errs, fmt.Sprintf("engine.backend %q must be one of lite, durable, auto", c.Engine.Backend))
	}
	switch c.Store.Driver {
	case "memory", "redis", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be one of memory, redis, postgres", c.Store.Driver))
	}
	if c.Engine.Backend != "lite" && c.Engine.Temporal.HostPort == "" {
		errs = append(errs, "engine.temporal.host_port is required when backend is durable or auto")
	}
	if s := c.Observability.Tracing.SamplingRate; s < 0 || s > 1 {
		errs = append(errs, "observability.tracing.sampling_rate must be between 0 and 1")
	}
	for name, svc := range c.Services {
		if svc.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("services.%s.base_url is required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CONDUCT_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONDUCT_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CONDUCT_ENGINE_BACKEND"); v != "" {
		cfg.Engine.Backend = v
	}
	if v := os.Getenv("CONDUCT_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("CONDUCT_TEMPORAL_HOST_PORT"); v != "" {
		cfg.Engine.Temporal.HostPort = v
	}
	if v := os.Getenv("CONDUCT_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
