package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for pipeline health.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Ingestion.
	ElementsReceived  *prometheus.CounterVec // stream
	UnknownMetricSend prometheus.Counter

	// Windowing.
	WindowsClosed     *prometheus.CounterVec // stream
	ElementsEmitted   *prometheus.CounterVec // stream
	AggregationErrors *prometheus.CounterVec // stream

	// Delivery.
	BatchesDelivered   *prometheus.CounterVec   // sink
	DeliveryErrors     *prometheus.CounterVec   // sink
	DeliveryDuration   *prometheus.HistogramVec // sink
	BatchSize          *prometheus.HistogramVec // sink
	RateLimitDeferred  *prometheus.CounterVec   // sink
	RateLimitPending   *prometheus.GaugeVec     // sink
	RateLimitDropped   *prometheus.CounterVec   // sink
	SinkQueueLength    *prometheus.GaugeVec     // sink
	SinkQueueCapacity  *prometheus.GaugeVec     // sink
	SinkQueueOverflows *prometheus.CounterVec   // sink

	// Export layer.
	ClickHouseConnected *prometheus.GaugeVec     // sink
	ExportBatchErrors   *prometheus.CounterVec   // sink
	FlushDuration       *prometheus.HistogramVec // phase

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		ElementsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metrix",
				Name:      "elements_received_total",
				Help:      "Total raw elements accepted by stream.",
			},
			[]string{"stream"},
		),
		UnknownMetricSend: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metrix",
			Name:      "unknown_metric_sends_total",
			Help:      "Total sends rejected because the metric name is not registered.",
		}),
		WindowsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metrix",
				Name:      "windows_closed_total",
				Help:      "Total window closes that emitted at least one element, by stream.",
			},
			[]string{"stream"},
		),
		ElementsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metrix",
				Name:      "elements_emitted_total",
				Help:      "Total aggregated elements emitted by stream.",
			},
			[]string{"stream"},
		),
		AggregationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metrix",
				Name:      "aggregation_errors_total",
				Help:      "Total group aggregations dropped due to compute errors, by stream.",
			},
			[]string{"stream"},
		),
		BatchesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metrix",
				Name:      "batches_delivered_total",
				Help:      "Total batches forwarded to each sink.",
			},
			[]string{"sink"},
		),
		DeliveryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metrix",
				Name:      "delivery_errors_total",
				Help:      "Total failed sink writes.",
			},
			[]string{"sink"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "metrix",
				Name:      "delivery_duration_seconds",
				Help:      "Time to write a batch to a sink.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}, // 1ms-1s
			},
			[]string{"sink"},
		),
		BatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "metrix",
				Name:      "batch_size",
				Help:      "Number of elements per delivered batch by sink.",
				Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
			},
			[]string{"sink"},
		),
		RateLimitDeferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metrix",
				Name:      "rate_limit_deferred_total",
				Help:      "Total batches held back by the per-sink rate limiter.",
			},
			[]string{"sink"},
		),
		RateLimitPending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "metrix",
				Name:      "rate_limit_pending_elements",
				Help:      "Elements currently buffered by the per-sink rate limiter.",
			},
			[]string{"sink"},
		),
		RateLimitDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metrix",
				Name:      "rate_limit_dropped_total",
				Help:      "Elements discarded to the rate limiter pending cap.",
			},
			[]string{"sink"},
		),
		SinkQueueLength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "metrix",
				Name:      "sink_queue_length",
				Help:      "Current number of batches queued for delivery by sink.",
			},
			[]string{"sink"},
		),
		SinkQueueCapacity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "metrix",
				Name:      "sink_queue_capacity",
				Help:      "Capacity of the per-sink delivery queue.",
			},
			[]string{"sink"},
		),
		SinkQueueOverflows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metrix",
				Name:      "sink_queue_overflows_total",
				Help:      "Total batches dropped because a sink delivery queue was full.",
			},
			[]string{"sink"},
		),
		ClickHouseConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "metrix",
				Name:      "clickhouse_connected",
				Help:      "Whether the ClickHouse connection is established (1=yes, 0=no).",
			},
			[]string{"sink"},
		),
		ExportBatchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metrix",
				Name:      "export_batch_errors_total",
				Help:      "Total export batch errors by sink.",
			},
			[]string{"sink"},
		),
		FlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "metrix",
				Name:      "flush_duration_seconds",
				Help:      "Duration of coordinator flush phases.",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
			},
			[]string{"phase"},
		),
	}

	reg.MustRegister(
		h.ElementsReceived,
		h.UnknownMetricSend,
		h.WindowsClosed,
		h.ElementsEmitted,
		h.AggregationErrors,
		h.BatchesDelivered,
		h.DeliveryErrors,
		h.DeliveryDuration,
		h.BatchSize,
		h.RateLimitDeferred,
		h.RateLimitPending,
		h.RateLimitDropped,
		h.SinkQueueLength,
		h.SinkQueueCapacity,
		h.SinkQueueOverflows,
		h.ClickHouseConnected,
		h.ExportBatchErrors,
		h.FlushDuration,
	)

	return h
}

// Start begins serving metrics over HTTP.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	// pprof endpoints for CPU/memory profiling.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln

	h.server = &http.Server{
		Handler: mux,
	}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Addr returns the actual listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop gracefully shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
