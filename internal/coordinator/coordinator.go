// Package coordinator fans aggregated elements out from streams to sinks.
// It owns the stream registry, a per-sink delivery queue with its own rate
// limiter, and the driver loop that closes time windows.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metrixhq/metrix/internal/export"
	"github.com/metrixhq/metrix/internal/metric"
	"github.com/metrixhq/metrix/internal/ratelimit"
	"github.com/metrixhq/metrix/internal/sink"
	"github.com/metrixhq/metrix/internal/stream"
)

var (
	// ErrDuplicateMetric is returned when a stream is registered under a
	// name that is already taken.
	ErrDuplicateMetric = errors.New("metric already registered")

	// ErrUnknownMetric is returned by Send for unregistered metric names.
	ErrUnknownMetric = errors.New("unknown metric")

	// ErrStarted is returned when registration is attempted after Start.
	ErrStarted = errors.New("coordinator already started")
)

// queueSize is the per-sink delivery queue capacity, in batches. Delivery
// never blocks Send: when a sink falls this far behind, batches are dropped.
const queueSize = 64

// subscription pairs a sink with its rate limiter and delivery queue. ch is
// never closed; the worker is told to drain and exit via stop, so a racing
// Send can never hit a closed channel.
type subscription struct {
	sink    sink.Sink
	limiter *ratelimit.Limiter
	ch      chan []metric.Element
	stop    chan struct{}
	done    chan struct{}
}

// Coordinator routes raw sends to streams and delivers window emissions to
// every subscribed sink.
type Coordinator struct {
	log    logrus.FieldLogger
	health *export.HealthMetrics

	tickInterval time.Duration

	mu      sync.RWMutex
	streams map[string]*stream.Stream
	subs    []*subscription

	// aggErrSeen tracks per-stream aggregation error counts already
	// exported to the health counter. Touched only by the driver loop.
	aggErrSeen map[string]uint64

	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a coordinator. tickInterval drives time-window closes and
// rate-limiter polls; zero picks an interval from the registered streams.
func New(
	log logrus.FieldLogger,
	health *export.HealthMetrics,
	tickInterval time.Duration,
) *Coordinator {
	return &Coordinator{
		log:          log.WithField("component", "coordinator"),
		health:       health,
		tickInterval: tickInterval,
		streams:      make(map[string]*stream.Stream),
		aggErrSeen:   make(map[string]uint64),
		done:         make(chan struct{}),
	}
}

// RegisterStream adds a stream under its metric name. Registration must
// happen before Start.
func (c *Coordinator) RegisterStream(s *stream.Stream) error {
	if c.started.Load() {
		return ErrStarted
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.streams[s.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMetric, s.Name())
	}

	c.streams[s.Name()] = s

	return nil
}

// RegisterSink subscribes a sink to all stream emissions. rateLimit is the
// minimum interval between deliveries to this sink (zero delivers
// immediately); maxPending caps the limiter's coalesced buffer (zero means
// unbounded). Registration must happen before Start.
func (c *Coordinator) RegisterSink(
	s sink.Sink,
	rateLimit time.Duration,
	maxPending int,
) error {
	if c.started.Load() {
		return ErrStarted
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.subs = append(c.subs, &subscription{
		sink:    s,
		limiter: ratelimit.New(rateLimit, maxPending),
		ch:      make(chan []metric.Element, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	})

	if c.health != nil {
		c.health.SinkQueueCapacity.WithLabelValues(s.Name()).Set(queueSize)
	}

	return nil
}

// Streams returns the registered streams by metric name.
func (c *Coordinator) Streams() map[string]*stream.Stream {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]*stream.Stream, len(c.streams))
	for name, s := range c.streams {
		out[name] = s
	}

	return out
}

// Send routes a raw measurement to the named stream. Count windows are
// checked for closure synchronously so their emissions do not wait for the
// next tick. Send never blocks on sink I/O.
func (c *Coordinator) Send(name string, value float64, tags metric.Tags) error {
	c.mu.RLock()
	s, ok := c.streams[name]
	c.mu.RUnlock()

	if !ok {
		if c.health != nil {
			c.health.UnknownMetricSend.Inc()
		}

		return fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}

	s.Send(value, tags)

	if c.health != nil {
		c.health.ElementsReceived.WithLabelValues(name).Inc()
	}

	// Once shutdown begins the window is left open so the final flush
	// picks the values up instead of racing the delivery workers.
	if s.CountBased() && !c.stopped.Load() {
		c.emit(s, s.Tick(time.Now()))
	}

	return nil
}

// Timer starts a duration measurement for the named metric. The returned
// stop function sends the elapsed time in seconds multiplied by scale
// (1 for seconds, 1000 for milliseconds).
func (c *Coordinator) Timer(name string, scale float64, tags metric.Tags) func() {
	start := time.Now()

	return func() {
		if err := c.Send(name, time.Since(start).Seconds()*scale, tags); err != nil {
			c.log.WithError(err).WithField("metric", name).
				Warn("Timer send failed")
		}
	}
}

// Start launches the per-sink delivery workers and the driver loop.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrStarted
	}

	ctx, c.cancel = context.WithCancel(ctx)

	c.mu.RLock()
	subs := c.subs
	c.mu.RUnlock()

	for _, sub := range subs {
		go c.deliverLoop(sub)
	}

	go c.runLoop(ctx)

	c.log.WithFields(logrus.Fields{
		"streams": len(c.streams),
		"sinks":   len(subs),
		"tick":    c.interval().String(),
	}).Info("Coordinator started")

	return nil
}

// Flush force-closes every window, drains every rate limiter, and writes
// the result synchronously to each sink, bypassing rate limits.
func (c *Coordinator) Flush(ctx context.Context) error {
	now := time.Now()

	start := time.Now()

	var closed []metric.Element

	c.mu.RLock()
	streams := make([]*stream.Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	subs := c.subs
	c.mu.RUnlock()

	for _, s := range streams {
		elements := s.ForceClose(now)
		c.account(s, elements)
		closed = append(closed, elements...)
	}

	if c.health != nil {
		c.health.FlushDuration.WithLabelValues("close").
			Observe(time.Since(start).Seconds())
	}

	start = time.Now()

	var errs []error

	for _, sub := range subs {
		batch := sub.limiter.Flush()
		batch = append(batch, closed...)

		if len(batch) == 0 {
			continue
		}

		if err := c.write(ctx, sub, batch); err != nil {
			errs = append(errs, fmt.Errorf("flushing sink %s: %w", sub.sink.Name(), err))
		}
	}

	if c.health != nil {
		c.health.FlushDuration.WithLabelValues("deliver").
			Observe(time.Since(start).Seconds())
	}

	return errors.Join(errs...)
}

// Stop shuts down the driver, drains the delivery workers, and flushes all
// buffered data. Sends arriving during or after Stop stay panic-free: their
// values land in the still-open windows and are caught by the final flush,
// or accepted and dropped once that flush has passed.
func (c *Coordinator) Stop() error {
	if !c.started.Load() || !c.stopped.CompareAndSwap(false, true) {
		return nil
	}

	c.cancel()
	<-c.done

	// Drain the delivery queues before the final flush so queued batches
	// reach sinks ahead of flushed ones. The queues stay open; workers are
	// signalled to drain and exit instead.
	c.mu.RLock()
	subs := c.subs
	c.mu.RUnlock()

	for _, sub := range subs {
		close(sub.stop)
		<-sub.done
	}

	err := c.Flush(context.Background())

	c.log.Info("Coordinator stopped")

	return err
}

// runLoop drives time-window closes and rate-limiter polls.
func (c *Coordinator) runLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

// tick closes due windows and releases deferred batches.
func (c *Coordinator) tick(now time.Time) {
	c.mu.RLock()
	streams := make([]*stream.Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	subs := c.subs
	c.mu.RUnlock()

	for _, s := range streams {
		if c.health != nil {
			if errs := s.AggregationErrors(); errs > c.aggErrSeen[s.Name()] {
				c.health.AggregationErrors.WithLabelValues(s.Name()).
					Add(float64(errs - c.aggErrSeen[s.Name()]))
				c.aggErrSeen[s.Name()] = errs
			}
		}

		if s.CountBased() {
			continue
		}

		c.emit(s, s.Tick(now))
	}

	for _, sub := range subs {
		if batch := sub.limiter.Due(now); batch != nil {
			c.enqueue(sub, batch)
		}

		if c.health != nil {
			name := sub.sink.Name()
			c.health.RateLimitPending.WithLabelValues(name).
				Set(float64(sub.limiter.Pending()))
			c.health.SinkQueueLength.WithLabelValues(name).
				Set(float64(len(sub.ch)))
		}
	}
}

// emit accounts a window close and offers its elements to every sink
// through that sink's rate limiter.
func (c *Coordinator) emit(s *stream.Stream, elements []metric.Element) {
	if len(elements) == 0 {
		return
	}

	c.account(s, elements)

	now := time.Now()

	c.mu.RLock()
	subs := c.subs
	c.mu.RUnlock()

	for _, sub := range subs {
		batch := sub.limiter.Admit(now, elements)
		if batch == nil {
			if c.health != nil {
				c.health.RateLimitDeferred.WithLabelValues(sub.sink.Name()).Inc()
			}

			continue
		}

		c.enqueue(sub, batch)
	}
}

// enqueue offers a batch to a sink's delivery queue without blocking.
func (c *Coordinator) enqueue(sub *subscription, batch []metric.Element) {
	if c.stopped.Load() {
		// The workers are draining or gone; anything enqueued now would
		// sit in the queue forever.
		return
	}

	select {
	case sub.ch <- batch:
	default:
		c.log.WithFields(logrus.Fields{
			"sink":     sub.sink.Name(),
			"elements": len(batch),
		}).Warn("Sink delivery queue full, dropping batch")

		if c.health != nil {
			c.health.SinkQueueOverflows.WithLabelValues(sub.sink.Name()).Inc()
		}
	}
}

// deliverLoop writes queued batches to one sink. It deliberately does not
// observe the driver context: anything queued before the stop signal must
// still reach the sink, so shutdown drains the queue rather than abandoning
// it.
func (c *Coordinator) deliverLoop(sub *subscription) {
	defer close(sub.done)

	for {
		select {
		case batch := <-sub.ch:
			c.writeQueued(sub, batch)
		case <-sub.stop:
			for {
				select {
				case batch := <-sub.ch:
					c.writeQueued(sub, batch)
				default:
					return
				}
			}
		}
	}
}

func (c *Coordinator) writeQueued(sub *subscription, batch []metric.Element) {
	if err := c.write(context.Background(), sub, batch); err != nil {
		c.log.WithError(err).WithField("sink", sub.sink.Name()).
			Error("Sink write failed")
	}
}

// write delivers one batch to a sink and records delivery metrics.
func (c *Coordinator) write(
	ctx context.Context,
	sub *subscription,
	batch []metric.Element,
) error {
	name := sub.sink.Name()
	start := time.Now()

	err := sub.sink.Write(ctx, batch)

	if c.health != nil {
		c.health.DeliveryDuration.WithLabelValues(name).
			Observe(time.Since(start).Seconds())

		if err != nil {
			c.health.DeliveryErrors.WithLabelValues(name).Inc()
		} else {
			c.health.BatchesDelivered.WithLabelValues(name).Inc()
			c.health.BatchSize.WithLabelValues(name).Observe(float64(len(batch)))
		}
	}

	return err
}

// account records window-close metrics for a stream's emissions.
func (c *Coordinator) account(s *stream.Stream, elements []metric.Element) {
	if len(elements) == 0 || c.health == nil {
		return
	}

	c.health.WindowsClosed.WithLabelValues(s.Name()).Inc()
	c.health.ElementsEmitted.WithLabelValues(s.Name()).
		Add(float64(len(elements)))
}

// interval returns the driver tick interval. When unset it derives one from
// the smallest time window, a tenth of the window floored at 100ms, and
// falls back to one second when only count windows are registered.
func (c *Coordinator) interval() time.Duration {
	if c.tickInterval > 0 {
		return c.tickInterval
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	min := time.Duration(0)

	for _, s := range c.streams {
		if size := s.WindowSize(); size > 0 && (min == 0 || size < min) {
			min = size
		}
	}

	if min == 0 {
		return time.Second
	}

	interval := min / 10
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	return interval
}
