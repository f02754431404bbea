package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stampedeio/stampede/internal/config"
	"github.com/stampedeio/stampede/internal/history"
	"github.com/stampedeio/stampede/internal/output"
)

func TestRun_Help(t *testing.T) {
	if err := run([]string{"--help"}); err != nil {
		t.Fatalf("run(--help) error = %v", err)
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	if err := run([]string{"--no-such-flag"}); err == nil {
		t.Fatal("run() with unknown flag should fail")
	}
}

func TestListRuns_Empty(t *testing.T) {
	cfg := &config.Config{
		HistoryPath: filepath.Join(t.TempDir(), "history.db"),
		ListRuns:    5,
	}

	var buf bytes.Buffer
	if err := listRuns(&buf, cfg); err != nil {
		t.Fatalf("listRuns() error = %v", err)
	}
	if !strings.Contains(buf.String(), "No runs recorded") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestListRuns_PrintsRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := history.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	summaries := []output.Summary{
		{
			RunID:     "01JC0FIRSTRUN0000000000001",
			StartedAt: time.Date(2026, 8, 22, 9, 0, 0, 0, time.UTC),
			Duration:  30 * time.Second,
			Passed:    true,
			Metrics: []output.MetricSummary{
				{Name: "http_reqs", Kind: "counter", Count: 1500},
				{Name: "http_req_duration", Kind: "trend", Count: 1500, P95: 120.5},
			},
		},
		{
			RunID:     "01JC0SECONDRUN000000000002",
			StartedAt: time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC),
			Duration:  time.Minute,
			Passed:    false,
		},
	}
	for _, s := range summaries {
		if err := store.Save(s); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	store.Close()

	cfg := &config.Config{HistoryPath: path, ListRuns: 10}

	var buf bytes.Buffer
	if err := listRuns(&buf, cfg); err != nil {
		t.Fatalf("listRuns() error = %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"01JC0FIRSTRUN0000000000001",
		"01JC0SECONDRUN000000000002",
		"1500",
		"120.5ms",
		"PASS",
		"FAIL",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q\n%s", want, out)
		}
	}

	// Most recent run first.
	if strings.Index(out, "01JC0SECONDRUN000000000002") > strings.Index(out, "01JC0FIRSTRUN0000000000001") {
		t.Error("runs not listed most-recent-first")
	}
}
