package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Counter accumulates a sum of deltas. Add is a single atomic operation, so
// counts are exact under any level of concurrency.
type Counter struct {
	name  string
	value atomic.Int64
}

func (c *Counter) Name() string { return c.name }
func (c *Counter) Kind() Kind   { return KindCounter }

// Add records a delta. Negative deltas are permitted for symmetry but the
// engine only ever adds.
func (c *Counter) Add(delta int64) { c.value.Add(delta) }

// Inc is shorthand for Add(1).
func (c *Counter) Inc() { c.value.Add(1) }

// Value returns the current sum.
func (c *Counter) Value() int64 { return c.value.Load() }

func (c *Counter) snapshot() SeriesSnapshot {
	return SeriesSnapshot{Name: c.name, Kind: KindCounter, Count: c.value.Load()}
}

// Rate tracks the fraction of true observations as an atomic
// (trueCount, totalCount) pair. The rate of an empty series is 0.
type Rate struct {
	name  string
	trues atomic.Int64
	total atomic.Int64
}

func (r *Rate) Name() string { return r.name }
func (r *Rate) Kind() Kind   { return KindRate }

// Observe records one boolean observation.
func (r *Rate) Observe(ok bool) {
	r.total.Add(1)
	if ok {
		r.trues.Add(1)
	}
}

// Value returns trues/total, or 0 when nothing has been observed.
func (r *Rate) Value() float64 {
	total := r.total.Load()
	if total == 0 {
		return 0
	}
	return float64(r.trues.Load()) / float64(total)
}

func (r *Rate) snapshot() SeriesSnapshot {
	// Read total first so a concurrent Observe can only make the pair
	// conservative (a true without its total is never reported).
	total := r.total.Load()
	trues := r.trues.Load()
	if trues > total {
		trues = total
	}
	snap := SeriesSnapshot{Name: r.name, Kind: KindRate, Count: total, Passes: trues}
	if total > 0 {
		snap.Rate = float64(trues) / float64(total)
	}
	return snap
}

// Gauge stores the last observed value.
type Gauge struct {
	name  string
	value atomic.Int64
}

func (g *Gauge) Name() string { return g.name }
func (g *Gauge) Kind() Kind   { return KindGauge }

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) snapshot() SeriesSnapshot {
	return SeriesSnapshot{Name: g.name, Kind: KindGauge, Value: float64(g.value.Load())}
}

// Trend records a latency-style distribution. Percentiles come from an HDR
// histogram (1µs..1h, 3 significant figures); min, max and mean are tracked
// exactly so p(0) and p(100) always equal the observed extremes.
type Trend struct {
	name string

	mu    sync.Mutex
	hist  *hdrhistogram.Histogram
	count int64
	sum   time.Duration
	min   time.Duration
	max   time.Duration
}

func newTrend(name string) *Trend {
	return &Trend{
		name: name,
		hist: hdrhistogram.New(1, time.Hour.Microseconds(), 3),
	}
}

func (t *Trend) Name() string { return t.name }
func (t *Trend) Kind() Kind   { return KindTrend }

// Observe records one sample. The critical section is a single histogram
// insert plus extreme tracking.
func (t *Trend) Observe(d time.Duration) {
	us := d.Microseconds()
	if us < t.hist.LowestTrackableValue() {
		us = t.hist.LowestTrackableValue()
	}
	if us > t.hist.HighestTrackableValue() {
		us = t.hist.HighestTrackableValue()
	}

	t.mu.Lock()
	_ = t.hist.RecordValue(us)
	t.count++
	t.sum += d
	if t.count == 1 || d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
	t.mu.Unlock()
}

// Count returns the number of recorded samples.
func (t *Trend) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *Trend) snapshot() SeriesSnapshot {
	t.mu.Lock()
	exported := t.hist.Export()
	snap := SeriesSnapshot{
		Name:  t.name,
		Kind:  KindTrend,
		Count: t.count,
		Min:   t.min,
		Max:   t.max,
	}
	if t.count > 0 {
		snap.Mean = t.sum / time.Duration(t.count)
	}
	t.mu.Unlock()

	snap.hist = hdrhistogram.Import(exported)
	if snap.Count > 0 {
		snap.Med = snap.Percentile(50)
	}
	return snap
}

// Snapshot is a consistent point-in-time view of a registry.
type Snapshot struct {
	Taken  time.Time
	Series map[string]SeriesSnapshot
}

// Get returns the snapshot of the named series.
func (s Snapshot) Get(name string) (SeriesSnapshot, bool) {
	snap, ok := s.Series[name]
	return snap, ok
}

// SeriesSnapshot is an immutable copy of one series. Which fields are
// meaningful depends on Kind:
//
//	Counter: Count
//	Rate:    Count (total), Passes, Rate
//	Gauge:   Value
//	Trend:   Count, Min, Max, Mean, Med, Percentile
type SeriesSnapshot struct {
	Name   string
	Kind   Kind
	Count  int64
	Passes int64
	Rate   float64
	Value  float64
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	Med    time.Duration

	hist *hdrhistogram.Histogram
}

// Percentile returns the value at quantile q (0..100) for trend snapshots.
// q<=0 returns the exact observed minimum and q>=100 the exact maximum; the
// histogram's answer for intermediate quantiles is clamped to the observed
// range to keep the 3-significant-figure error from leaking past the extremes.
func (s SeriesSnapshot) Percentile(q float64) time.Duration {
	if s.Kind != KindTrend || s.Count == 0 {
		return 0
	}
	if q <= 0 {
		return s.Min
	}
	if q >= 100 {
		return s.Max
	}
	if s.hist == nil {
		return 0
	}
	v := time.Duration(s.hist.ValueAtQuantile(q)) * time.Microsecond
	if v < s.Min {
		v = s.Min
	}
	if v > s.Max {
		v = s.Max
	}
	return v
}

// Millis converts a duration to fractional milliseconds for reports and
// threshold comparison.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// RoundMillis is Millis rounded to two decimals, for display.
func RoundMillis(d time.Duration) float64 {
	return math.Round(Millis(d)*100) / 100
}
