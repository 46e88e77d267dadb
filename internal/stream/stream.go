// Package stream implements per-metric pipelines: raw sends accumulate in a
// time- or count-bounded window, grouped by tag set, and aggregate into
// derived elements at window close.
package stream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metrixhq/metrix/internal/aggregate"
	"github.com/metrixhq/metrix/internal/metric"
)

// Stream owns one metric's configuration and its single live window.
// Streams are created at configuration time and live for the coordinator's
// lifetime. All window access is serialized by a per-stream mutex, so sends
// to different streams never contend with each other.
type Stream struct {
	log         logrus.FieldLogger
	name        string
	defaultTags metric.Tags
	aggs        []aggregate.Aggregator
	windowSize  time.Duration
	windowCount int

	mu  sync.Mutex
	win *Window

	aggErrors atomic.Uint64
}

// New validates cfg, resolves its aggregation identifiers against reg, and
// creates the stream with an open window.
func New(
	log logrus.FieldLogger,
	cfg Config,
	reg *aggregate.Registry,
) (*Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	aggs, err := reg.Resolve(cfg.Aggs)
	if err != nil {
		return nil, fmt.Errorf("%w: stream %q: %v", ErrInvalidConfig, cfg.Name, err)
	}

	return &Stream{
		log:         log.WithField("stream", cfg.Name),
		name:        cfg.Name,
		defaultTags: cfg.DefaultTags,
		aggs:        aggs,
		windowSize:  cfg.WindowSize,
		windowCount: cfg.WindowCount,
		win:         newWindow(cfg.WindowSize, cfg.WindowCount, time.Now()),
	}, nil
}

// Name returns the metric name.
func (s *Stream) Name() string { return s.name }

// CountBased reports whether the window closes on element count. The
// coordinator checks count windows for closure synchronously after each
// send instead of waiting for the periodic tick.
func (s *Stream) CountBased() bool { return s.windowCount > 0 }

// WindowSize returns the time-window duration, or zero for count windows.
// The coordinator uses it to size its tick interval.
func (s *Stream) WindowSize() time.Duration { return s.windowSize }

// AggregationErrors returns the number of dropped group aggregations since
// the stream was created.
func (s *Stream) AggregationErrors() uint64 { return s.aggErrors.Load() }

// Send merges tags over the stream's default tags (explicit tags win) and
// pushes the value into the current window. It never blocks on downstream
// work.
func (s *Stream) Send(value float64, tags metric.Tags) {
	merged := s.defaultTags.Merge(tags)

	s.mu.Lock()
	s.win.Push(value, merged)
	s.mu.Unlock()
}

// Tick closes the window and returns its emissions if the boundary has been
// reached, or nil otherwise. The window swap is atomic relative to
// concurrent sends: no push lands in a closed window and none is lost
// during the swap.
func (s *Stream) Tick(now time.Time) []metric.Element {
	s.mu.Lock()

	if !s.win.ShouldClose(now) || s.win.Empty() {
		// An empty time window that hit its boundary still advances,
		// keeping later windows aligned.
		if s.win.ShouldClose(now) {
			s.win.reset(now)
		}
		s.mu.Unlock()

		return nil
	}

	elements, errs := s.win.Close(s.name, s.aggs, now)
	s.mu.Unlock()

	s.reportErrors(errs)

	return elements
}

// ForceClose closes the window regardless of boundary state and returns its
// emissions. Used by coordinator flush on shutdown.
func (s *Stream) ForceClose(now time.Time) []metric.Element {
	s.mu.Lock()

	if s.win.Empty() {
		s.mu.Unlock()

		return nil
	}

	elements, errs := s.win.Close(s.name, s.aggs, now)
	s.mu.Unlock()

	s.reportErrors(errs)

	return elements
}

func (s *Stream) reportErrors(errs []*aggregate.Error) {
	for _, err := range errs {
		s.aggErrors.Add(1)
		s.log.WithError(err).WithFields(logrus.Fields{
			"agg":   err.Agg,
			"group": err.GroupKey,
		}).Warn("Dropped group aggregation")
	}
}
