package aggregate

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps aggregation identifiers to Aggregators. The built-in
// strategies are pre-registered; callers may add custom ones before
// constructing streams that reference them.
type Registry struct {
	mu   sync.RWMutex
	aggs map[string]Aggregator
}

// NewRegistry creates a Registry seeded with the built-in aggregators.
func NewRegistry() *Registry {
	r := &Registry{aggs: make(map[string]Aggregator, 8)}

	for name, fn := range map[string]func([]float64) (float64, error){
		Sum:    sum,
		Mean:   mean,
		Count:  count,
		Min:    minimum,
		Max:    maximum,
		Stddev: stddev,
		Last:   last,
	} {
		r.aggs[name] = NewFunc(name, fn)
	}

	return r
}

// Register adds a custom aggregator. Registering an already-known name
// (including a built-in) is an error: derived element names must stay
// unambiguous.
func (r *Registry) Register(agg Aggregator) error {
	if agg.Name() == "" {
		return fmt.Errorf("aggregator name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.aggs[agg.Name()]; exists {
		return fmt.Errorf("aggregator %q already registered", agg.Name())
	}

	r.aggs[agg.Name()] = agg

	return nil
}

// Lookup resolves an aggregation identifier.
func (r *Registry) Lookup(name string) (Aggregator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agg, ok := r.aggs[name]
	if !ok {
		return nil, fmt.Errorf("unknown aggregator %q (known: %v)", name, r.names())
	}

	return agg, nil
}

// Resolve looks up every name in order, failing on the first unknown one.
func (r *Registry) Resolve(names []string) ([]Aggregator, error) {
	aggs := make([]Aggregator, 0, len(names))

	for _, name := range names {
		agg, err := r.Lookup(name)
		if err != nil {
			return nil, err
		}

		aggs = append(aggs, agg)
	}

	return aggs, nil
}

// names returns the sorted registered identifiers. Caller must hold r.mu.
func (r *Registry) names() []string {
	names := make([]string, 0, len(r.aggs))
	for name := range r.aggs {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
