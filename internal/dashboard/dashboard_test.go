package dashboard

import (
	"strings"
	"testing"
	"time"

	"github.com/gizak/termui/v3/widgets"

	"github.com/stampedeio/stampede/internal/metrics"
	"github.com/stampedeio/stampede/internal/threshold"
)

func TestFormatRunParams(t *testing.T) {
	tests := []struct {
		name     string
		info     RunInfo
		contains []string
		excludes []string
	}{
		{
			name: "constant vus",
			info: RunInfo{
				Executor: "constant-vus",
				VUs:      10,
				Duration: 30 * time.Second,
			},
			contains: []string{"Executor: constant-vus", "VUs: 10", "Duration: 30s"},
			excludes: []string{"Rate:", "Iterations:"},
		},
		{
			name: "arrival rate",
			info: RunInfo{
				Executor: "constant-arrival-rate",
				Rate:     50,
				Duration: time.Minute,
			},
			contains: []string{"Rate: 50/s"},
		},
		{
			name: "ramping with stages",
			info: RunInfo{
				Executor: "ramping-vus",
				Stages:   3,
			},
			contains: []string{"Stages: 3"},
		},
		{
			name: "iteration capped with scenario file",
			info: RunInfo{
				VUs:        5,
				Iterations: 100,
				ConfigFile: "scenario.yaml",
			},
			contains: []string{"Iterations: 100", "Scenario: scenario.yaml"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Dashboard{info: tt.info}
			result := d.formatRunParams()

			for _, s := range tt.contains {
				if !strings.Contains(result, s) {
					t.Errorf("expected result to contain %q, got %q", s, result)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(result, s) {
					t.Errorf("expected result NOT to contain %q, got %q", s, result)
				}
			}
		})
	}
}

func TestUpdateVUGauge(t *testing.T) {
	d := &Dashboard{
		vuGauge: widgets.NewGauge(),
		info:    RunInfo{MaxVUs: 20},
	}

	d.updateVUGauge(10)
	if d.vuGauge.Percent != 50 {
		t.Errorf("Percent = %d, want 50", d.vuGauge.Percent)
	}
	if !strings.Contains(d.vuGauge.Label, "10 / 20") {
		t.Errorf("Label = %q", d.vuGauge.Label)
	}

	// Never exceeds 100 even if the gauge briefly overshoots.
	d.updateVUGauge(30)
	if d.vuGauge.Percent != 100 {
		t.Errorf("Percent = %d, want 100", d.vuGauge.Percent)
	}
}

func TestFormatCheckRows_WorstFirst(t *testing.T) {
	reg := metrics.NewRegistry()
	healthy, _ := reg.Rate("checks_status_is_200")
	flaky, _ := reg.Rate("checks_has_token")
	for i := 0; i < 10; i++ {
		healthy.Observe(true)
		flaky.Observe(i < 5)
	}

	rows := formatCheckRows(reg.Snapshot())
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if !strings.Contains(rows[0], "has_token") {
		t.Errorf("worst check not first: %q", rows[0])
	}
	if !strings.Contains(rows[0], "fg:red") || !strings.Contains(rows[1], "fg:green") {
		t.Errorf("unexpected colors: %q / %q", rows[0], rows[1])
	}
}

func TestFormatCheckRows_Empty(t *testing.T) {
	rows := formatCheckRows(metrics.NewRegistry().Snapshot())
	if len(rows) != 1 || !strings.Contains(rows[0], "No checks") {
		t.Fatalf("rows = %v", rows)
	}
}

func TestFormatThresholdRows(t *testing.T) {
	reg := metrics.NewRegistry()
	trend, _ := reg.Trend(metrics.SeriesHTTPReqDuration)
	for i := 0; i < 100; i++ {
		trend.Observe(50 * time.Millisecond)
	}

	ths, err := threshold.ParseAll([]string{
		"http_req_duration:p95 < 200",
		"http_req_duration:p95 < 10",
	})
	if err != nil {
		t.Fatalf("ParseAll() error = %v", err)
	}

	d := &Dashboard{evaluator: threshold.NewEvaluator(ths)}
	rows := d.formatThresholdRows(reg.Snapshot())

	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if !strings.Contains(rows[0], "PASS") {
		t.Errorf("row 0 = %q, want PASS", rows[0])
	}
	if !strings.Contains(rows[1], "FAIL") {
		t.Errorf("row 1 = %q, want FAIL", rows[1])
	}
}

func TestFormatThresholdRows_NoEvaluator(t *testing.T) {
	d := &Dashboard{}
	rows := d.formatThresholdRows(metrics.NewRegistry().Snapshot())
	if len(rows) != 1 || !strings.Contains(rows[0], "No thresholds") {
		t.Fatalf("rows = %v", rows)
	}
}
