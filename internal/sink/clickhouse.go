package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metrixhq/metrix/internal/export"
	"github.com/metrixhq/metrix/internal/metric"
)

// ClickHouseSink writes aggregated elements to a ClickHouse table.
type ClickHouseSink struct {
	log    logrus.FieldLogger
	writer *export.ClickHouseWriter
	cfg    ClickHouseConfig
	health *export.HealthMetrics
}

var _ Sink = (*ClickHouseSink)(nil)

// NewClickHouseSink creates a ClickHouse sink.
func NewClickHouseSink(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
	health *export.HealthMetrics,
) *ClickHouseSink {
	return &ClickHouseSink{
		log:    log.WithField("sink", "clickhouse"),
		writer: export.NewClickHouseWriter(log, cfg.ClickHouseConfig),
		cfg:    cfg,
		health: health,
	}
}

// Name returns the sink identifier.
func (s *ClickHouseSink) Name() string {
	return "clickhouse"
}

// Start opens the ClickHouse connection.
func (s *ClickHouseSink) Start(ctx context.Context) error {
	if err := s.writer.Start(ctx); err != nil {
		return fmt.Errorf("starting ClickHouse writer: %w", err)
	}

	if s.health != nil {
		s.health.ClickHouseConnected.WithLabelValues(s.Name()).Set(1)
	}

	return nil
}

// Stop closes the ClickHouse connection.
func (s *ClickHouseSink) Stop() error {
	if s.health != nil {
		s.health.ClickHouseConnected.WithLabelValues(s.Name()).Set(0)
	}

	return s.writer.Stop()
}

// Write inserts a batch of aggregated elements.
func (s *ClickHouseSink) Write(ctx context.Context, elements []metric.Element) error {
	if len(elements) == 0 {
		return nil
	}

	cfg := s.writer.Config()

	ctx, cancel := context.WithTimeout(ctx, cfg.FlushTimeout)
	defer cancel()

	conn := s.writer.Conn()
	table := fmt.Sprintf("%s.%s", cfg.Database, cfg.Table)

	batch, err := conn.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO %s (
		updated_date_time, name, value, tags, meta_instance_name
	)`, table))
	if err != nil {
		s.recordBatchError()

		return fmt.Errorf("preparing %s batch: %w", cfg.Table, err)
	}

	now := time.Now()

	for _, el := range elements {
		tags := el.Tags
		if tags == nil {
			tags = metric.Tags{}
		}

		if err := batch.Append(
			now, el.Name, el.Value, map[string]string(tags), cfg.MetaInstanceName,
		); err != nil {
			return fmt.Errorf("appending %s row: %w", cfg.Table, err)
		}
	}

	if err := batch.Send(); err != nil {
		s.recordBatchError()

		return fmt.Errorf("sending %s batch: %w", cfg.Table, err)
	}

	s.log.WithField("rows", len(elements)).Debug("Flushed aggregated elements")

	return nil
}

func (s *ClickHouseSink) recordBatchError() {
	if s.health != nil {
		s.health.ExportBatchErrors.WithLabelValues(s.Name()).Inc()
	}
}
