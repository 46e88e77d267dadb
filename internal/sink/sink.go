// Package sink delivers aggregated metric elements to their
// destinations. Each sink consumes whole batches; the coordinator
// decides when a batch is due.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/metrixhq/metrix/internal/export"
	httpexport "github.com/metrixhq/metrix/internal/export/http"
	"github.com/metrixhq/metrix/internal/metric"
)

// Sink is a destination for aggregated elements.
type Sink interface {
	// Name returns the sink's name for logging and metrics.
	Name() string
	// Start initializes the sink.
	Start(ctx context.Context) error
	// Stop shuts down the sink, flushing anything buffered.
	Stop() error
	// Write delivers a batch of aggregated elements.
	Write(ctx context.Context, elements []metric.Element) error
}

// Config holds configuration for all sinks.
type Config struct {
	Logger     LoggerConfig     `yaml:"logger"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// LoggerConfig configures the logger sink.
type LoggerConfig struct {
	Enabled bool `yaml:"enabled"`

	// Level is the log level elements are emitted at. Defaults to info.
	Level string `yaml:"level"`

	// RateLimit is the minimum interval between deliveries.
	// Zero means deliver immediately.
	RateLimit time.Duration `yaml:"rate_limit"`
}

// ClickHouseConfig configures the ClickHouse sink.
type ClickHouseConfig struct {
	Enabled bool `yaml:"enabled"`

	// RateLimit is the minimum interval between deliveries.
	RateLimit time.Duration `yaml:"rate_limit"`

	export.ClickHouseConfig `yaml:",inline"`
}

// HTTPConfig configures the HTTP sink.
type HTTPConfig struct {
	// RateLimit is the minimum interval between deliveries.
	RateLimit time.Duration `yaml:"rate_limit"`

	httpexport.Config `yaml:",inline"`
}

// Validate validates all enabled sink configurations.
func (c *Config) Validate() error {
	if c.ClickHouse.Enabled && c.ClickHouse.Endpoint == "" {
		return fmt.Errorf("clickhouse endpoint is required when enabled")
	}

	httpCfg := c.HTTP.Config
	httpCfg.ApplyDefaults()

	if err := httpCfg.Validate(); err != nil {
		return fmt.Errorf("http sink: %w", err)
	}

	return nil
}
