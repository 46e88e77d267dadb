package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/metrixhq/metrix/internal/export"
	"github.com/metrixhq/metrix/internal/sink"
	"github.com/metrixhq/metrix/internal/stream"
)

// Config is the top-level configuration for the metrix agent.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// TickInterval drives time-window closes and rate-limiter polls.
	// Zero derives an interval from the configured streams.
	TickInterval time.Duration `yaml:"tick_interval"`

	// MetaInstanceName identifies this process in exported rows.
	// Defaults to the hostname.
	MetaInstanceName string `yaml:"meta_instance_name"`

	// Streams configures the metric streams, one per metric name.
	Streams []stream.Config `yaml:"streams"`

	// Sinks configures the element destinations.
	Sinks sink.Config `yaml:"sinks"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Health: export.HealthConfig{
			Addr: ":9090",
		},
		Sinks: sink.Config{
			Logger: sink.LoggerConfig{
				Enabled: true,
			},
		},
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if len(c.Streams) == 0 {
		return fmt.Errorf("at least one stream is required")
	}

	seen := make(map[string]struct{}, len(c.Streams))

	for i := range c.Streams {
		if err := c.Streams[i].Validate(); err != nil {
			return fmt.Errorf("streams[%d]: %w", i, err)
		}

		if _, ok := seen[c.Streams[i].Name]; ok {
			return fmt.Errorf("duplicate stream name %q", c.Streams[i].Name)
		}

		seen[c.Streams[i].Name] = struct{}{}
	}

	if err := c.Sinks.Validate(); err != nil {
		return fmt.Errorf("sinks: %w", err)
	}

	if !c.Sinks.Logger.Enabled && !c.Sinks.ClickHouse.Enabled &&
		!c.Sinks.HTTP.Enabled {
		return fmt.Errorf("at least one sink must be enabled")
	}

	return nil
}

// InstanceName returns the configured instance name, falling back to the
// hostname.
func (c *Config) InstanceName() string {
	if c.MetaInstanceName != "" {
		return c.MetaInstanceName
	}

	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}

	return host
}
