// Package threshold parses and evaluates pass/fail assertions over a
// metrics snapshot.
package threshold

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stampedeio/stampede/internal/metrics"
)

// Threshold is one assertion in the form "metric:aggregate op value",
// e.g. "http_req_duration:p95 < 500". Latency aggregates are compared in
// milliseconds; rates as fractions; counts and gauge values as-is.
type Threshold struct {
	Series    string
	Aggregate string
	Operator  string
	Value     float64

	// AbortOnFail stops the whole run when this threshold breaches during
	// an interim evaluation; otherwise a breach is report-only.
	AbortOnFail bool

	Raw string
}

// Result is the outcome of evaluating one threshold against a snapshot.
type Result struct {
	Threshold Threshold
	Actual    float64
	Pass      bool
	Message   string
}

// thresholdPattern captures metric, aggregate, operator and bound, e.g.
// "http_req_duration:p99.9 <= 1500".
var thresholdPattern = regexp.MustCompile(
	`^([a-zA-Z_][a-zA-Z0-9_]*):([a-z]+[0-9.]*)\s*(<=|>=|==|<|>)\s*([0-9]+(?:\.[0-9]+)?)$`)

// Parse parses a threshold expression. Supported aggregates:
//
//	count          total samples (counter, rate, trend)
//	rate           fraction of true observations (rate series)
//	value          current value (gauge series)
//	avg, min, max  latency in milliseconds (trend series)
//	med, pN        median / arbitrary percentile, N may carry decimals
func Parse(s string) (Threshold, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Threshold{}, fmt.Errorf("empty threshold expression")
	}

	matches := thresholdPattern.FindStringSubmatch(raw)
	if matches == nil {
		return Threshold{}, fmt.Errorf("invalid threshold %q (expected metric:aggregate op value, e.g. 'http_req_duration:p95 < 500')", raw)
	}

	t := Threshold{
		Series:    matches[1],
		Aggregate: matches[2],
		Operator:  matches[3],
		Raw:       raw,
	}

	value, err := strconv.ParseFloat(matches[4], 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %w", matches[4], err)
	}
	t.Value = value

	if _, err := parseAggregate(t.Aggregate); err != nil {
		return Threshold{}, fmt.Errorf("threshold %q: %w", raw, err)
	}
	return t, nil
}

// ParseAll parses a list of expressions, collecting every error so a config
// with several bad thresholds reports them all at once.
func ParseAll(exprs []string) ([]Threshold, error) {
	if len(exprs) == 0 {
		return nil, nil
	}

	parsed := make([]Threshold, 0, len(exprs))
	var errs []string
	for i, expr := range exprs {
		t, err := Parse(expr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("thresholds[%d]: %v", i, err))
			continue
		}
		parsed = append(parsed, t)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return parsed, nil
}

// aggregate is the resolved form of the aggregate token: either a named
// reduction or a percentile quantile.
type aggregate struct {
	name     string
	quantile float64
}

func parseAggregate(s string) (aggregate, error) {
	switch s {
	case "count", "rate", "value", "avg", "min", "max":
		return aggregate{name: s}, nil
	case "med":
		return aggregate{name: "p", quantile: 50}, nil
	}
	if strings.HasPrefix(s, "p") {
		q, err := strconv.ParseFloat(s[1:], 64)
		if err != nil || q < 0 || q > 100 {
			return aggregate{}, fmt.Errorf("invalid percentile aggregate %q", s)
		}
		return aggregate{name: "p", quantile: q}, nil
	}
	return aggregate{}, fmt.Errorf("unsupported aggregate %q (supported: count, rate, value, avg, min, max, med, pN)", s)
}

// Evaluator evaluates a fixed set of thresholds against metric snapshots.
// Evaluation is read-only and idempotent: the same snapshot always yields
// the same results.
type Evaluator struct {
	thresholds []Threshold
}

func NewEvaluator(thresholds []Threshold) *Evaluator {
	return &Evaluator{thresholds: thresholds}
}

// Thresholds returns the evaluator's threshold set.
func (e *Evaluator) Thresholds() []Threshold { return e.thresholds }

// Evaluate checks every threshold against the snapshot.
func (e *Evaluator) Evaluate(snap metrics.Snapshot) []Result {
	if len(e.thresholds) == 0 {
		return nil
	}
	results := make([]Result, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		results = append(results, evaluateOne(t, snap))
	}
	return results
}

// AllPassed reports whether every result passed. An empty result set passes.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Pass {
			return false
		}
	}
	return true
}

// AbortTriggered reports whether any failed result carries the abort flag.
func AbortTriggered(results []Result) bool {
	for _, r := range results {
		if !r.Pass && r.Threshold.AbortOnFail {
			return true
		}
	}
	return false
}

func evaluateOne(t Threshold, snap metrics.Snapshot) Result {
	actual, err := extract(t, snap)
	if err != nil {
		return Result{
			Threshold: t,
			Pass:      false,
			Message:   fmt.Sprintf("✗ %s: %v", t.Raw, err),
		}
	}

	pass := compare(actual, t.Operator, t.Value)
	mark := "✓"
	if !pass {
		mark = "✗"
	}
	return Result{
		Threshold: t,
		Actual:    actual,
		Pass:      pass,
		Message:   fmt.Sprintf("%s %s (actual %.2f)", mark, t.Raw, actual),
	}
}

// extract resolves the threshold's aggregate against the snapshot. A series
// that never recorded a sample still answers count (as zero) so "count > 0"
// fails honestly; distribution aggregates over no samples are an error.
func extract(t Threshold, snap metrics.Snapshot) (float64, error) {
	agg, err := parseAggregate(t.Aggregate)
	if err != nil {
		return 0, err
	}

	series, ok := snap.Get(t.Series)
	if !ok {
		if agg.name == "count" {
			return 0, nil
		}
		return 0, fmt.Errorf("no samples recorded for series %q", t.Series)
	}

	switch agg.name {
	case "count":
		if series.Kind == metrics.KindRate {
			// For rate series, count means true observations: the natural
			// reading of "http_req_failed:count < 10".
			return float64(series.Passes), nil
		}
		return float64(series.Count), nil
	case "rate":
		if series.Kind != metrics.KindRate {
			return 0, fmt.Errorf("aggregate rate requires a rate series, %q is a %s", t.Series, series.Kind)
		}
		return series.Rate, nil
	case "value":
		if series.Kind != metrics.KindGauge {
			return 0, fmt.Errorf("aggregate value requires a gauge series, %q is a %s", t.Series, series.Kind)
		}
		return series.Value, nil
	case "avg", "min", "max", "p":
		if series.Kind != metrics.KindTrend {
			return 0, fmt.Errorf("aggregate %s requires a trend series, %q is a %s", t.Aggregate, t.Series, series.Kind)
		}
		if series.Count == 0 {
			return 0, fmt.Errorf("no samples recorded for series %q", t.Series)
		}
		switch agg.name {
		case "avg":
			return millis(series.Mean), nil
		case "min":
			return millis(series.Min), nil
		case "max":
			return millis(series.Max), nil
		default:
			return millis(series.Percentile(agg.quantile)), nil
		}
	}
	return 0, fmt.Errorf("unsupported aggregate %q", t.Aggregate)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func compare(actual float64, operator string, bound float64) bool {
	const epsilon = 1e-9
	switch operator {
	case "<":
		return actual < bound
	case "<=":
		return actual <= bound || math.Abs(actual-bound) < epsilon
	case ">":
		return actual > bound
	case ">=":
		return actual >= bound || math.Abs(actual-bound) < epsilon
	case "==":
		return math.Abs(actual-bound) < epsilon
	default:
		return false
	}
}
