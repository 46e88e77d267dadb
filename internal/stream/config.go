package stream

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/metrixhq/metrix/internal/metric"
)

// ErrInvalidConfig marks stream configuration errors. They are fatal to the
// stream's setup and surface at construction time.
var ErrInvalidConfig = errors.New("invalid stream config")

// AggList is a list of aggregation identifiers. In YAML it accepts either a
// single scalar or a sequence:
//
//	agg: sum
//	agg: [sum, mean]
type AggList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *AggList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}

		*a = AggList{single}

		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}

		*a = AggList(list)

		return nil
	default:
		return fmt.Errorf("agg must be a string or a list of strings")
	}
}

// Config declares one metric stream.
type Config struct {
	// Name of the metric whose elements are sent into this stream.
	// Must be unique within a coordinator.
	Name string `yaml:"name"`

	// DefaultTags are applied to every element sent into the stream.
	// Tags passed on individual sends override them on key collision.
	DefaultTags metric.Tags `yaml:"default_tags"`

	// Aggs are the aggregation identifiers applied to each group of
	// values at window close. Must be non-empty.
	Aggs AggList `yaml:"agg"`

	// WindowSize closes the window on a tumbling time boundary.
	// Mutually exclusive with WindowCount; exactly one must be set.
	WindowSize time.Duration `yaml:"window_size"`

	// WindowCount closes the window after this many raw elements.
	WindowCount int `yaml:"window_count"`
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidConfig)
	}

	if len(c.Aggs) == 0 {
		return fmt.Errorf(
			"%w: stream %q declares no aggregations", ErrInvalidConfig, c.Name,
		)
	}

	hasSize := c.WindowSize != 0
	hasCount := c.WindowCount != 0

	if hasSize == hasCount {
		return fmt.Errorf(
			"%w: stream %q must set exactly one of window_size or window_count",
			ErrInvalidConfig, c.Name,
		)
	}

	if c.WindowSize < 0 {
		return fmt.Errorf(
			"%w: stream %q window_size must be positive", ErrInvalidConfig, c.Name,
		)
	}

	if c.WindowCount < 0 {
		return fmt.Errorf(
			"%w: stream %q window_count must be positive", ErrInvalidConfig, c.Name,
		)
	}

	return nil
}
