// Package output renders run results: console report, JSON summary, HTML
// report and the live progress line.
package output

import (
	"sort"
	"strings"
	"time"

	"github.com/stampedeio/stampede/internal/engine"
	"github.com/stampedeio/stampede/internal/metrics"
)

// Summary is the serializable form of a finished run, shared by the JSON
// writer, the HTML report and the run-history store.
type Summary struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Passed    bool          `json:"passed"`
	Aborted   bool          `json:"aborted"`

	Metrics    []MetricSummary    `json:"metrics"`
	Thresholds []ThresholdSummary `json:"thresholds,omitempty"`
}

// MetricSummary is one series, flattened for serialization. Latency fields
// are milliseconds.
type MetricSummary struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Count int64  `json:"count,omitempty"`

	Passes int64   `json:"passes,omitempty"`
	Rate   float64 `json:"rate,omitempty"`
	Value  float64 `json:"value,omitempty"`

	Min  float64 `json:"min_ms,omitempty"`
	Max  float64 `json:"max_ms,omitempty"`
	Mean float64 `json:"mean_ms,omitempty"`
	Med  float64 `json:"med_ms,omitempty"`
	P90  float64 `json:"p90_ms,omitempty"`
	P95  float64 `json:"p95_ms,omitempty"`
	P99  float64 `json:"p99_ms,omitempty"`
}

// ThresholdSummary is one evaluated threshold.
type ThresholdSummary struct {
	Expr   string  `json:"expr"`
	Actual float64 `json:"actual"`
	Pass   bool    `json:"pass"`
}

// NewSummary flattens an engine result.
func NewSummary(result *engine.Result) Summary {
	summary := Summary{
		RunID:     result.RunID,
		StartedAt: result.StartedAt,
		Duration:  result.Duration,
		Passed:    result.Passed,
		Aborted:   result.Aborted,
	}

	names := make([]string, 0, len(result.Snapshot.Series))
	for name := range result.Snapshot.Series {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		series := result.Snapshot.Series[name]
		m := MetricSummary{
			Name:  name,
			Kind:  string(series.Kind),
			Count: series.Count,
		}
		switch series.Kind {
		case metrics.KindRate:
			m.Passes = series.Passes
			m.Rate = series.Rate
		case metrics.KindGauge:
			m.Value = series.Value
		case metrics.KindTrend:
			m.Min = ms(series.Min)
			m.Max = ms(series.Max)
			m.Mean = ms(series.Mean)
			m.Med = ms(series.Med)
			m.P90 = ms(series.Percentile(90))
			m.P95 = ms(series.Percentile(95))
			m.P99 = ms(series.Percentile(99))
		}
		summary.Metrics = append(summary.Metrics, m)
	}

	for _, r := range result.Thresholds {
		summary.Thresholds = append(summary.Thresholds, ThresholdSummary{
			Expr:   r.Threshold.Raw,
			Actual: r.Actual,
			Pass:   r.Pass,
		})
	}
	return summary
}

// RequestRate is the average completed requests per second over the run.
func (s Summary) RequestRate() float64 {
	if s.Duration <= 0 {
		return 0
	}
	for _, m := range s.Metrics {
		if m.Name == metrics.SeriesHTTPReqs {
			return float64(m.Count) / s.Duration.Seconds()
		}
	}
	return 0
}

// CheckRate is the aggregate fraction of passing checks, or -1 when no
// checks ran.
func (s Summary) CheckRate() float64 {
	for _, m := range s.Metrics {
		if m.Name == metrics.SeriesChecks {
			if m.Count == 0 {
				return -1
			}
			return m.Rate
		}
	}
	return -1
}

// checkSeries lists the per-name check series, aggregate first excluded.
func (s Summary) checkSeries() []MetricSummary {
	var out []MetricSummary
	for _, m := range s.Metrics {
		if strings.HasPrefix(m.Name, "checks_") && m.Kind == string(metrics.KindRate) {
			out = append(out, m)
		}
	}
	return out
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
