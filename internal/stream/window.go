package stream

import (
	"sort"
	"time"

	"github.com/metrixhq/metrix/internal/aggregate"
	"github.com/metrixhq/metrix/internal/metric"
)

// group is one tag-set bucket inside a window buffer. Tags are stored
// alongside the key so close does not have to re-parse them.
type group struct {
	tags   metric.Tags
	values []float64
}

// Window accumulates raw values grouped by normalized tag set and emits one
// aggregated element per (aggregation, group) when the boundary is reached.
// Time windows tumble over [opened, opened+size); count windows close after
// maxCount pushes. A Window is not safe for concurrent use: the owning
// Stream serializes access.
type Window struct {
	size     time.Duration // 0 for count-based windows
	maxCount int           // 0 for time-based windows
	opened   time.Time
	count    int
	groups   map[string]*group
}

func newWindow(size time.Duration, maxCount int, opened time.Time) *Window {
	return &Window{
		size:     size,
		maxCount: maxCount,
		opened:   opened,
		groups:   make(map[string]*group, 8),
	}
}

// Push appends value into the bucket selected by the normalized tag set.
func (w *Window) Push(value float64, tags metric.Tags) {
	key := tags.Key()

	g, ok := w.groups[key]
	if !ok {
		g = &group{tags: tags}
		w.groups[key] = g
	}

	g.values = append(g.values, value)
	w.count++
}

// ShouldClose reports whether the window boundary has been reached. For time
// windows the boundary is opened+size regardless of when this is polled;
// late polling delays detection but never moves the boundary.
func (w *Window) ShouldClose(now time.Time) bool {
	if w.maxCount > 0 {
		return w.count >= w.maxCount
	}

	return !now.Before(w.opened.Add(w.size))
}

// Empty reports whether the window holds no values.
func (w *Window) Empty() bool {
	return w.count == 0
}

// Close extracts the buffer, computes one element per (group, aggregation)
// pair with at least one value, and re-opens a fresh buffer before
// returning. Emission order is deterministic: groups sorted by key,
// aggregations in declaration order. A failing aggregation drops only its
// own (group, aggregation) emission and is reported in errs.
func (w *Window) Close(
	name string,
	aggs []aggregate.Aggregator,
	now time.Time,
) (elements []metric.Element, errs []*aggregate.Error) {
	groups := w.groups
	w.reset(now)

	if len(groups) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	elements = make([]metric.Element, 0, len(keys)*len(aggs))

	for _, key := range keys {
		g := groups[key]

		for _, agg := range aggs {
			value, err := agg.Compute(g.values)
			if err != nil {
				errs = append(errs, &aggregate.Error{
					Metric:   name,
					Agg:      agg.Name(),
					GroupKey: key,
					Cause:    err,
				})

				continue
			}

			elements = append(elements, metric.New(
				name+"."+agg.Name(), value, g.tags,
			))
		}
	}

	return elements, errs
}

// reset swaps in a fresh buffer and advances the open time. Time windows
// advance by whole window sizes so boundaries stay aligned to stream
// creation even when closure is detected late.
func (w *Window) reset(now time.Time) {
	w.groups = make(map[string]*group, len(w.groups))
	w.count = 0

	if w.maxCount > 0 {
		w.opened = now

		return
	}

	for !now.Before(w.opened.Add(w.size)) {
		w.opened = w.opened.Add(w.size)
	}
}
