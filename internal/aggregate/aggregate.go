// Package aggregate provides the named aggregation strategies applied to
// grouped metric values at window close.
package aggregate

import (
	"fmt"
	"math"
)

// Aggregator reduces a non-empty sequence of values to a single number.
// The window never invokes an aggregator on an empty group.
type Aggregator interface {
	// Name is the identifier suffixed onto derived element names.
	Name() string
	// Compute reduces values. values is never empty.
	Compute(values []float64) (float64, error)
}

// Error reports a failed aggregate computation for one group. The failing
// group is dropped from the window's emission; other groups are unaffected.
type Error struct {
	Metric   string
	Agg      string
	GroupKey string
	Cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf(
		"aggregating %s.%s group %q: %v",
		e.Metric, e.Agg, e.GroupKey, e.Cause,
	)
}

func (e *Error) Unwrap() error { return e.Cause }

// funcAggregator adapts a plain function into an Aggregator.
type funcAggregator struct {
	name string
	fn   func(values []float64) (float64, error)
}

func (a funcAggregator) Name() string { return a.name }

func (a funcAggregator) Compute(values []float64) (float64, error) {
	return a.fn(values)
}

// NewFunc wraps fn as an Aggregator with the given name.
func NewFunc(name string, fn func(values []float64) (float64, error)) Aggregator {
	return funcAggregator{name: name, fn: fn}
}

// Built-in aggregation identifiers.
const (
	Sum    = "sum"
	Mean   = "mean"
	Count  = "count"
	Min    = "min"
	Max    = "max"
	Stddev = "stddev"
	Last   = "last"
)

func sum(values []float64) (float64, error) {
	var total float64
	for _, v := range values {
		total += v
	}

	return total, nil
}

func mean(values []float64) (float64, error) {
	total, _ := sum(values)

	return total / float64(len(values)), nil
}

func count(values []float64) (float64, error) {
	return float64(len(values)), nil
}

func minimum(values []float64) (float64, error) {
	m := values[0]
	for _, v := range values[1:] {
		m = math.Min(m, v)
	}

	return m, nil
}

func maximum(values []float64) (float64, error) {
	m := values[0]
	for _, v := range values[1:] {
		m = math.Max(m, v)
	}

	return m, nil
}

// stddev is the sample standard deviation; it needs at least two points.
func stddev(values []float64) (float64, error) {
	n := len(values)
	if n < 2 {
		return 0, fmt.Errorf("stddev requires at least two values, got %d", n)
	}

	avg, _ := mean(values)

	var ss float64

	for _, v := range values {
		d := v - avg
		ss += d * d
	}

	return math.Sqrt(ss / float64(n-1)), nil
}

func last(values []float64) (float64, error) {
	return values[len(values)-1], nil
}
