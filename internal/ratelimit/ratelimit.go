// Package ratelimit gates how often aggregated batches may be forwarded to
// a single sink. Excess batches are coalesced into one pending buffer and
// flushed when the interval elapses; nothing is dropped unless an explicit
// pending cap is configured.
package ratelimit

import (
	"sync"
	"time"

	"github.com/metrixhq/metrix/internal/metric"
)

// Limiter enforces a minimum interval between successive forwards to one
// sink. Each sink subscription owns its own Limiter; it is safe for
// concurrent use.
type Limiter struct {
	mu         sync.Mutex
	interval   time.Duration
	maxPending int // 0 = unbounded
	last       time.Time
	pending    []metric.Element
	deferred   uint64
	dropped    uint64
}

// New creates a Limiter with the given minimum inter-forward interval.
// maxPending caps the coalesced pending buffer (0 = unbounded); on
// overflow the oldest pending elements are dropped and counted.
func New(interval time.Duration, maxPending int) *Limiter {
	return &Limiter{
		interval:   interval,
		maxPending: maxPending,
	}
}

// Interval returns the configured minimum spacing.
func (l *Limiter) Interval() time.Duration { return l.interval }

// Admit offers a batch for forwarding at time now. If the interval has
// elapsed since the last forward, it returns the batch to forward, merged
// with any pending elements, and records the forward. Otherwise the batch
// is coalesced into the pending buffer and nil is returned; the caller
// picks it up later via Due or Flush.
func (l *Limiter) Admit(now time.Time, batch []metric.Element) []metric.Element {
	if l.interval <= 0 {
		return batch
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.intervalElapsed(now) {
		out := l.takePending()
		out = append(out, batch...)
		l.last = now

		return out
	}

	l.defer_(batch)

	return nil
}

// Due returns the pending batch if the interval has elapsed, or nil. The
// coordinator's driver polls this so deferred data does not wait for the
// next Admit.
func (l *Limiter) Due(now time.Time) []metric.Element {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.pending) == 0 || !l.intervalElapsed(now) {
		return nil
	}

	l.last = now

	return l.takePending()
}

// Flush unconditionally drains the pending buffer. Used on shutdown so no
// deferred data is lost.
func (l *Limiter) Flush() []metric.Element {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.takePending()
}

// Pending returns the number of elements currently held back.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.pending)
}

// Deferred returns how many batches have been held back so far.
func (l *Limiter) Deferred() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.deferred
}

// Dropped returns how many elements were discarded to the pending cap.
func (l *Limiter) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.dropped
}

// intervalElapsed reports whether a forward is allowed at now. The first
// forward is always allowed. Caller must hold l.mu.
func (l *Limiter) intervalElapsed(now time.Time) bool {
	return l.last.IsZero() || now.Sub(l.last) >= l.interval
}

// defer_ coalesces batch into the pending buffer, applying the cap with
// drop-oldest overflow. Caller must hold l.mu.
func (l *Limiter) defer_(batch []metric.Element) {
	l.deferred++
	l.pending = append(l.pending, batch...)

	if l.maxPending > 0 && len(l.pending) > l.maxPending {
		over := len(l.pending) - l.maxPending
		l.pending = append(l.pending[:0], l.pending[over:]...)
		l.dropped += uint64(over)
	}
}

// takePending returns and clears the pending buffer. Caller must hold l.mu.
func (l *Limiter) takePending() []metric.Element {
	out := l.pending
	l.pending = nil

	return out
}
