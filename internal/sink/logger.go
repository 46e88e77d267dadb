package sink

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/metrixhq/metrix/internal/metric"
)

// LoggerSink writes aggregated elements to the process log. Useful for
// development and as a low-cost always-on destination.
type LoggerSink struct {
	log   logrus.FieldLogger
	level logrus.Level
}

var _ Sink = (*LoggerSink)(nil)

// NewLoggerSink creates a logger sink.
func NewLoggerSink(log logrus.FieldLogger, cfg LoggerConfig) (*LoggerSink, error) {
	level := logrus.InfoLevel

	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parsing logger sink level: %w", err)
		}

		level = parsed
	}

	return &LoggerSink{
		log:   log.WithField("sink", "logger"),
		level: level,
	}, nil
}

// Name returns the sink identifier.
func (s *LoggerSink) Name() string {
	return "logger"
}

// Start initializes the sink (no-op).
func (s *LoggerSink) Start(_ context.Context) error {
	return nil
}

// Stop shuts down the sink (no-op).
func (s *LoggerSink) Stop() error {
	return nil
}

// Write logs each element in the batch.
func (s *LoggerSink) Write(_ context.Context, elements []metric.Element) error {
	for _, el := range elements {
		fields := logrus.Fields{
			"name":  el.Name,
			"value": el.Value,
		}

		for k, v := range el.Tags {
			fields["tag_"+k] = v
		}

		s.log.WithFields(fields).Log(s.level, "Aggregated element")
	}

	return nil
}
