package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metrixhq/metrix/internal/aggregate"
	"github.com/metrixhq/metrix/internal/metric"
	"github.com/metrixhq/metrix/internal/stream"
)

type captureSink struct {
	name string

	mu       sync.Mutex
	batches  [][]metric.Element
	writeErr error
}

func (s *captureSink) Name() string                  { return s.name }
func (s *captureSink) Start(_ context.Context) error { return nil }
func (s *captureSink) Stop() error                   { return nil }

func (s *captureSink) Write(_ context.Context, elements []metric.Element) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return s.writeErr
	}

	batch := make([]metric.Element, len(elements))
	copy(batch, elements)
	s.batches = append(s.batches, batch)

	return nil
}

func (s *captureSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.batches)
}

func (s *captureSink) allElements() []metric.Element {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []metric.Element
	for _, b := range s.batches {
		out = append(out, b...)
	}

	return out
}

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func newStream(t *testing.T, cfg stream.Config) *stream.Stream {
	t.Helper()

	s, err := stream.New(testLog(), cfg, aggregate.NewRegistry())
	require.NoError(t, err)

	return s
}

func TestCoordinator_RegisterStreamDuplicate(t *testing.T) {
	c := New(testLog(), nil, 0)

	cfg := stream.Config{
		Name:        "n_articles",
		Aggs:        stream.AggList{"sum"},
		WindowCount: 3,
	}

	require.NoError(t, c.RegisterStream(newStream(t, cfg)))

	err := c.RegisterStream(newStream(t, cfg))
	assert.ErrorIs(t, err, ErrDuplicateMetric)
}

func TestCoordinator_SendUnknownMetric(t *testing.T) {
	c := New(testLog(), nil, 0)

	err := c.Send("nope", 1, nil)
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestCoordinator_RegisterAfterStart(t *testing.T) {
	c := New(testLog(), nil, time.Second)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	cfg := stream.Config{
		Name:        "late",
		Aggs:        stream.AggList{"sum"},
		WindowCount: 1,
	}

	assert.ErrorIs(t, c.RegisterStream(newStream(t, cfg)), ErrStarted)
	assert.ErrorIs(t, c.RegisterSink(&captureSink{name: "x"}, 0, 0), ErrStarted)
	assert.ErrorIs(t, c.Start(context.Background()), ErrStarted)
}

func TestCoordinator_CountWindowDelivery(t *testing.T) {
	c := New(testLog(), nil, time.Second)

	require.NoError(t, c.RegisterStream(newStream(t, stream.Config{
		Name:        "n_articles",
		Aggs:        stream.AggList{"sum", "count"},
		WindowCount: 3,
	})))

	capture := &captureSink{name: "capture"}
	require.NoError(t, c.RegisterSink(capture, 0, 0))

	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.Send("n_articles", 10, metric.Tags{"section": "politics"}))
	require.NoError(t, c.Send("n_articles", 20, metric.Tags{"section": "politics"}))
	require.NoError(t, c.Send("n_articles", 30, metric.Tags{"section": "politics"}))

	require.NoError(t, c.Stop())

	elements := capture.allElements()
	require.Len(t, elements, 2)

	assert.Equal(t, "n_articles.sum", elements[0].Name)
	assert.Equal(t, 60.0, elements[0].Value)
	assert.Equal(t, "politics", elements[0].Tags["section"])

	assert.Equal(t, "n_articles.count", elements[1].Name)
	assert.Equal(t, 3.0, elements[1].Value)
}

func TestCoordinator_TimeWindowDelivery(t *testing.T) {
	c := New(testLog(), nil, 10*time.Millisecond)

	require.NoError(t, c.RegisterStream(newStream(t, stream.Config{
		Name:       "wc",
		Aggs:       stream.AggList{"mean"},
		WindowSize: 30 * time.Millisecond,
	})))

	capture := &captureSink{name: "capture"}
	require.NoError(t, c.RegisterSink(capture, 0, 0))

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.NoError(t, c.Send("wc", 100, nil))
	require.NoError(t, c.Send("wc", 200, nil))

	require.Eventually(t, func() bool {
		return capture.batchCount() > 0
	}, time.Second, 5*time.Millisecond)

	elements := capture.allElements()
	require.Len(t, elements, 1)
	assert.Equal(t, "wc.mean", elements[0].Name)
	assert.Equal(t, 150.0, elements[0].Value)
}

func TestCoordinator_RateLimitDefersThenFlushes(t *testing.T) {
	c := New(testLog(), nil, time.Second)

	require.NoError(t, c.RegisterStream(newStream(t, stream.Config{
		Name:        "n_articles",
		Aggs:        stream.AggList{"sum"},
		WindowCount: 1,
	})))

	capture := &captureSink{name: "capture"}
	require.NoError(t, c.RegisterSink(capture, time.Hour, 0))

	require.NoError(t, c.Start(context.Background()))

	// First window close passes the limiter, second is deferred.
	require.NoError(t, c.Send("n_articles", 1, nil))
	require.NoError(t, c.Send("n_articles", 2, nil))

	// Stop flushes the limiter's pending buffer synchronously.
	require.NoError(t, c.Stop())

	elements := capture.allElements()
	require.Len(t, elements, 2)
	assert.Equal(t, 1.0, elements[0].Value)
	assert.Equal(t, 2.0, elements[1].Value)
}

func TestCoordinator_FlushForceCloses(t *testing.T) {
	c := New(testLog(), nil, time.Second)

	require.NoError(t, c.RegisterStream(newStream(t, stream.Config{
		Name:        "n_articles",
		Aggs:        stream.AggList{"sum"},
		WindowCount: 100,
	})))

	capture := &captureSink{name: "capture"}
	require.NoError(t, c.RegisterSink(capture, 0, 0))

	require.NoError(t, c.Send("n_articles", 5, nil))
	require.NoError(t, c.Send("n_articles", 7, nil))

	// Window is far from its count boundary; Flush closes it anyway.
	require.NoError(t, c.Flush(context.Background()))

	elements := capture.allElements()
	require.Len(t, elements, 1)
	assert.Equal(t, "n_articles.sum", elements[0].Name)
	assert.Equal(t, 12.0, elements[0].Value)
}

func TestCoordinator_FlushReportsSinkErrors(t *testing.T) {
	c := New(testLog(), nil, time.Second)

	require.NoError(t, c.RegisterStream(newStream(t, stream.Config{
		Name:        "n_articles",
		Aggs:        stream.AggList{"sum"},
		WindowCount: 100,
	})))

	failing := &captureSink{name: "failing", writeErr: errors.New("boom")}
	healthy := &captureSink{name: "healthy"}
	require.NoError(t, c.RegisterSink(failing, 0, 0))
	require.NoError(t, c.RegisterSink(healthy, 0, 0))

	require.NoError(t, c.Send("n_articles", 5, nil))

	err := c.Flush(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failing")

	// A failing sink does not block delivery to the others.
	assert.Len(t, healthy.allElements(), 1)
}

func TestCoordinator_Timer(t *testing.T) {
	c := New(testLog(), nil, time.Second)

	require.NoError(t, c.RegisterStream(newStream(t, stream.Config{
		Name:        "latency",
		Aggs:        stream.AggList{"max"},
		WindowCount: 1,
	})))

	capture := &captureSink{name: "capture"}
	require.NoError(t, c.RegisterSink(capture, 0, 0))

	require.NoError(t, c.Start(context.Background()))

	stop := c.Timer("latency", 1000, metric.Tags{"op": "query"})
	time.Sleep(5 * time.Millisecond)
	stop()

	require.NoError(t, c.Stop())

	elements := capture.allElements()
	require.Len(t, elements, 1)
	assert.Equal(t, "latency.max", elements[0].Name)
	assert.GreaterOrEqual(t, elements[0].Value, 5.0) // milliseconds
	assert.Equal(t, "query", elements[0].Tags["op"])
}

func TestCoordinator_SendAfterStop(t *testing.T) {
	c := New(testLog(), nil, time.Second)

	require.NoError(t, c.RegisterStream(newStream(t, stream.Config{
		Name:        "n_articles",
		Aggs:        stream.AggList{"sum"},
		WindowCount: 1,
	})))

	capture := &captureSink{name: "capture"}
	require.NoError(t, c.RegisterSink(capture, 0, 0))

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Send("n_articles", 1, nil))
	require.NoError(t, c.Stop())

	// Late sends are accepted and dropped, never delivered to a torn-down
	// queue.
	require.NotPanics(t, func() {
		require.NoError(t, c.Send("n_articles", 1, nil))
	})

	assert.Equal(t, 1, capture.batchCount())

	// Stop is idempotent.
	require.NoError(t, c.Stop())
}

func TestCoordinator_SendsConcurrentWithStop(t *testing.T) {
	c := New(testLog(), nil, time.Second)

	require.NoError(t, c.RegisterStream(newStream(t, stream.Config{
		Name:        "n_articles",
		Aggs:        stream.AggList{"sum"},
		WindowCount: 1,
	})))

	capture := &captureSink{name: "capture"}
	require.NoError(t, c.RegisterSink(capture, 0, 0))

	require.NoError(t, c.Start(context.Background()))

	// Hammer Send from several goroutines while Stop tears the delivery
	// workers down. Every count window closes synchronously inside Send,
	// so any teardown race surfaces immediately.
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < 200; j++ {
				_ = c.Send("n_articles", 1, nil)
			}
		}()
	}

	require.NoError(t, c.Stop())
	wg.Wait()
}

func TestCoordinator_FanOutToMultipleSinks(t *testing.T) {
	c := New(testLog(), nil, time.Second)

	require.NoError(t, c.RegisterStream(newStream(t, stream.Config{
		Name:        "wc",
		Aggs:        stream.AggList{"sum"},
		WindowCount: 2,
	})))

	first := &captureSink{name: "first"}
	second := &captureSink{name: "second"}
	require.NoError(t, c.RegisterSink(first, 0, 0))
	require.NoError(t, c.RegisterSink(second, 0, 0))

	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.Send("wc", 1, nil))
	require.NoError(t, c.Send("wc", 2, nil))

	require.NoError(t, c.Stop())

	assert.Equal(t, first.allElements(), second.allElements())
	require.Len(t, first.allElements(), 1)
	assert.Equal(t, 3.0, first.allElements()[0].Value)
}
