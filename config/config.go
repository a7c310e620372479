package config

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/breaker"
	"github.com/BaSui01/flowmesh/engine"
	"github.com/BaSui01/flowmesh/events"
	"github.com/BaSui01/flowmesh/proxy"
	"github.com/BaSui01/flowmesh/registry"
	"github.com/BaSui01/flowmesh/store"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Log      LogConfig       `yaml:"log"`
	Flows    FlowsConfig     `yaml:"flows"`
	Store    store.Config    `yaml:"store"`
	Registry registry.Config `yaml:"registry"`
	Proxy    proxy.Config    `yaml:"proxy"`
	Breaker  breaker.Config  `yaml:"breaker"`
	Engine   engine.Config   `yaml:"engine"`

	// Webhooks lists event delivery endpoints; each gets its own
	// dispatcher.
	Webhooks []events.WebhookConfig `yaml:"webhooks"`
}

// ServerConfig holds the process-level knobs.
type ServerConfig struct {
	// MetricsAddr is the listen address of the prometheus endpoint;
	// empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
	// ShutdownTimeout bounds the graceful drain on SIGINT/SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// FlowsConfig points at the flow documents loaded at startup.
type FlowsConfig struct {
	// Dir is a directory of YAML flow documents registered into the
	// system scope; empty skips the load.
	Dir string `yaml:"dir"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
	// OutputPaths lists zap sinks; defaults to stdout.
	OutputPaths []string `yaml:"output_paths"`
}

// DefaultConfig returns the full default configuration, assembled from
// each component's own defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			MetricsAddr:     ":9090",
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Store:    store.DefaultConfig(),
		Registry: registry.DefaultConfig(),
		Proxy:    proxy.DefaultConfig(),
		Breaker:  breaker.DefaultConfig(),
		Engine:   engine.DefaultConfig(),
	}
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []string

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not json or console", c.Log.Format))
	}
	switch c.Store.Type {
	case store.TypeMemory, store.TypePostgres, store.TypeRedis:
	default:
		errs = append(errs, fmt.Sprintf("store.type %q is not memory, postgres or redis", c.Store.Type))
	}
	if c.Store.Type == store.TypePostgres && c.Store.DSN == "" {
		errs = append(errs, "store.dsn is required for the postgres backend")
	}
	if c.Store.Type == store.TypeRedis && c.Store.Redis.Addr == "" {
		errs = append(errs, "store.redis.addr is required for the redis backend")
	}
	if c.Engine.MaxParallelNodes <= 0 {
		errs = append(errs, "engine.max_parallel_nodes must be positive")
	}
	if c.Engine.TenantMaxConcurrent <= 0 {
		errs = append(errs, "engine.tenant_max_concurrent must be positive")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			errs = append(errs, fmt.Sprintf("webhooks[%d].url is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BuildLogger constructs the zap logger described by the log section.
func (c *LogConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	var zc zap.Config
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	if len(c.OutputPaths) > 0 {
		zc.OutputPaths = c.OutputPaths
	}
	return zc.Build()
}
