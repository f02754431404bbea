package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Kind identifies the aggregation behavior of a series.
type Kind string

const (
	KindCounter Kind = "counter"
	KindRate    Kind = "rate"
	KindTrend   Kind = "trend"
	KindGauge   Kind = "gauge"
)

// Built-in series names emitted by the engine and virtual-user runtime.
const (
	SeriesHTTPReqs          = "http_reqs"
	SeriesHTTPReqDuration   = "http_req_duration"
	SeriesHTTPReqFailed     = "http_req_failed"
	SeriesChecks            = "checks"
	SeriesIterations        = "iterations"
	SeriesIterationDuration = "iteration_duration"
	SeriesDroppedIterations = "dropped_iterations"
	SeriesDataReceived      = "data_received"
	SeriesDataSent          = "data_sent"
	SeriesVUs               = "vus"
)

// Series is the common surface of all metric kinds.
type Series interface {
	Name() string
	Kind() Kind
	snapshot() SeriesSnapshot
}

// Registry owns all metric series for a single run.
//
// Lookup and creation take the registry lock; recording into a series does
// not. Callers on the hot path should resolve series once and hold the
// returned pointers.
type Registry struct {
	mu     sync.RWMutex
	series map[string]Series
}

func NewRegistry() *Registry {
	return &Registry{series: make(map[string]Series)}
}

// Counter returns the counter named name, creating it if absent.
// Returns an error if the name is already bound to a different kind.
func (r *Registry) Counter(name string) (*Counter, error) {
	s, err := r.lookupOrCreate(name, KindCounter, func() Series { return &Counter{name: name} })
	if err != nil {
		return nil, err
	}
	return s.(*Counter), nil
}

// Rate returns the rate series named name, creating it if absent.
func (r *Registry) Rate(name string) (*Rate, error) {
	s, err := r.lookupOrCreate(name, KindRate, func() Series { return &Rate{name: name} })
	if err != nil {
		return nil, err
	}
	return s.(*Rate), nil
}

// Trend returns the trend series named name, creating it if absent.
func (r *Registry) Trend(name string) (*Trend, error) {
	s, err := r.lookupOrCreate(name, KindTrend, func() Series { return newTrend(name) })
	if err != nil {
		return nil, err
	}
	return s.(*Trend), nil
}

// Gauge returns the gauge named name, creating it if absent.
func (r *Registry) Gauge(name string) (*Gauge, error) {
	s, err := r.lookupOrCreate(name, KindGauge, func() Series { return &Gauge{name: name} })
	if err != nil {
		return nil, err
	}
	return s.(*Gauge), nil
}

func (r *Registry) lookupOrCreate(name string, kind Kind, create func() Series) (Series, error) {
	if name == "" {
		return nil, fmt.Errorf("metrics: series name cannot be empty")
	}

	r.mu.RLock()
	existing, ok := r.series[name]
	r.mu.RUnlock()
	if ok {
		if existing.Kind() != kind {
			return nil, fmt.Errorf("metrics: series %q is a %s, not a %s", name, existing.Kind(), kind)
		}
		return existing, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.series[name]; ok {
		if existing.Kind() != kind {
			return nil, fmt.Errorf("metrics: series %q is a %s, not a %s", name, existing.Kind(), kind)
		}
		return existing, nil
	}
	s := create()
	r.series[name] = s
	return s, nil
}

// Lookup returns the series bound to name, or nil if none exists.
func (r *Registry) Lookup(name string) Series {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.series[name]
}

// Names returns all registered series names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.series))
	for name := range r.series {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Snapshot captures a consistent point-in-time view of every series.
// Producers are never blocked for longer than one series copy.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	series := make([]Series, 0, len(r.series))
	for _, s := range r.series {
		series = append(series, s)
	}
	r.mu.RUnlock()

	snap := Snapshot{
		Taken:  time.Now(),
		Series: make(map[string]SeriesSnapshot, len(series)),
	}
	for _, s := range series {
		snap.Series[s.Name()] = s.snapshot()
	}
	return snap
}
