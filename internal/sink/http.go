package sink

import (
	"context"
	"fmt"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	httpexport "github.com/metrixhq/metrix/internal/export/http"
	"github.com/metrixhq/metrix/internal/metric"
)

// ElementRow is the JSON schema for HTTP export of aggregated elements.
type ElementRow struct {
	Name             string            `json:"name"`
	Value            float64           `json:"value"`
	Tags             map[string]string `json:"tags,omitempty"`
	UpdatedDateTime  string            `json:"updated_date_time"`
	MetaInstanceName string            `json:"meta_instance_name,omitempty"`
}

// HTTPSink delivers aggregated elements to an HTTP endpoint via the
// batch processor. Writes enqueue; the processor batches and POSTs in
// the background.
type HTTPSink struct {
	log      logrus.FieldLogger
	proc     *processor.BatchItemProcessor[ElementRow]
	cfg      HTTPConfig
	instance string
}

var _ Sink = (*HTTPSink)(nil)

// NewHTTPSink creates an HTTP sink.
func NewHTTPSink(
	log logrus.FieldLogger,
	cfg HTTPConfig,
	instance string,
) (*HTTPSink, error) {
	proc, err := httpexport.NewProcessor[ElementRow](log, cfg.Config, "metrix_http_sink")
	if err != nil {
		return nil, fmt.Errorf("creating HTTP processor: %w", err)
	}

	return &HTTPSink{
		log:      log.WithField("sink", "http"),
		proc:     proc,
		cfg:      cfg,
		instance: instance,
	}, nil
}

// Name returns the sink identifier.
func (s *HTTPSink) Name() string {
	return "http"
}

// Start initializes the sink (no-op, the processor runs from creation).
func (s *HTTPSink) Start(_ context.Context) error {
	return nil
}

// Stop shuts down the processor, draining queued rows.
func (s *HTTPSink) Stop() error {
	if err := s.proc.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutting down HTTP processor: %w", err)
	}

	return nil
}

// Write enqueues a batch of aggregated elements for export.
func (s *HTTPSink) Write(ctx context.Context, elements []metric.Element) error {
	if len(elements) == 0 {
		return nil
	}

	now := time.Now().UTC().Format("2006-01-02 15:04:05.000")

	rows := make([]*ElementRow, 0, len(elements))
	for _, el := range elements {
		rows = append(rows, &ElementRow{
			Name:             el.Name,
			Value:            el.Value,
			Tags:             el.Tags,
			UpdatedDateTime:  now,
			MetaInstanceName: s.instance,
		})
	}

	if err := s.proc.Write(ctx, rows); err != nil {
		return fmt.Errorf("enqueueing rows: %w", err)
	}

	return nil
}
