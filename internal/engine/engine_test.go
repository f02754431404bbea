package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stampedeio/stampede/internal/config"
	"github.com/stampedeio/stampede/internal/metrics"
)

func baseConfig(url string) *config.Config {
	return &config.Config{
		BaseURL:    url,
		VUs:        10,
		Iterations: 5,
		Timeout:    config.Duration(5 * time.Second),
		Requests: []config.RequestConfig{
			{Name: "home", Method: "GET", URL: "/", Checks: []config.CheckConfig{
				{Name: "status is 200", Status: 200},
			}},
		},
	}
}

func TestRun_ConstantVUsIterationCap(t *testing.T) {
	// 10 VUs x 5 iterations with a fixed-latency handler: exactly 50 calls,
	// average latency around the handler's floor.
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	eng, err := New(baseConfig(srv.URL), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if hits.Load() != 50 {
		t.Errorf("recorded calls = %d, want 10 VUs x 5 iterations = 50", hits.Load())
	}
	if result.RunID == "" {
		t.Error("run ID not minted")
	}
	if !result.Passed || result.Aborted {
		t.Errorf("result = %+v, want passed and not aborted", result)
	}

	dur, ok := result.Snapshot.Get(metrics.SeriesHTTPReqDuration)
	if !ok || dur.Count != 50 {
		t.Fatalf("http_req_duration count = %d, want 50", dur.Count)
	}
	if dur.Mean < 50*time.Millisecond || dur.Mean > 250*time.Millisecond {
		t.Errorf("mean latency = %v, want ~50ms plus jitter", dur.Mean)
	}
}

func TestRun_FinalThresholdFailureFailsRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := baseConfig(srv.URL)
	cfg.VUs = 2
	cfg.Iterations = 2
	cfg.Thresholds = []config.ThresholdConfig{
		{Expr: "http_req_failed:rate < 0.01"},
	}

	eng, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Passed {
		t.Error("run against an all-500 target must fail its failure-rate threshold")
	}
	if result.Aborted {
		t.Error("report-only threshold must not abort the run")
	}
	if len(result.Thresholds) != 1 || result.Thresholds[0].Pass {
		t.Errorf("thresholds = %+v", result.Thresholds)
	}
}

func TestRun_AbortOnFailCancelsScheduler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := baseConfig(srv.URL)
	cfg.VUs = 2
	cfg.Iterations = 0
	cfg.Duration = config.Duration(time.Hour)
	cfg.GracefulStop = config.Duration(time.Second)
	cfg.Thresholds = []config.ThresholdConfig{
		{Expr: "http_req_failed:rate < 0.5", AbortOnFail: true},
	}

	eng, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng.thresholdTick = 100 * time.Millisecond

	done := make(chan *Result, 1)
	go func() {
		result, err := eng.Run(context.Background())
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- result
	}()

	select {
	case result := <-done:
		if result == nil {
			t.Fatal("no result")
		}
		if !result.Aborted {
			t.Error("abort-on-fail breach should mark the run aborted")
		}
		if result.Passed {
			t.Error("aborted run must not pass")
		}
	case <-time.After(30 * time.Second):
		t.Fatal("abort-on-fail did not cancel an hour-long profile")
	}
}

func TestRun_RequiredSetupFailureFailsFast(t *testing.T) {
	var iterations atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		iterations.Add(1)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := baseConfig(srv.URL)
	cfg.Setup = &config.HookConfig{
		Required: true,
		Requests: []config.RequestConfig{
			{Name: "auth", Method: "POST", URL: "/auth", Checks: []config.CheckConfig{
				{Name: "authorized", Status: 200},
			}},
		},
	}

	eng, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.Run(context.Background()); err == nil {
		t.Fatal("required setup failure must fail the run before scheduling")
	}
	if iterations.Load() != 0 {
		t.Errorf("iterations ran despite failed required setup: %d", iterations.Load())
	}
}

func TestRun_TeardownRunsAfterDrain(t *testing.T) {
	var tornDown atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/cleanup", func(w http.ResponseWriter, r *http.Request) {
		tornDown.Store(true)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := baseConfig(srv.URL)
	cfg.VUs = 2
	cfg.Iterations = 1
	cfg.Teardown = &config.HookConfig{
		Requests: []config.RequestConfig{{Name: "cleanup", Method: "DELETE", URL: "/cleanup"}},
	}

	eng, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !tornDown.Load() {
		t.Error("teardown request never reached the server")
	}
}

func TestNew_RejectsBadThreshold(t *testing.T) {
	cfg := baseConfig("https://api.example.test")
	cfg.Thresholds = []config.ThresholdConfig{{Expr: "not a threshold"}}
	if _, err := New(cfg, nil); err == nil {
		t.Error("malformed threshold must be rejected at construction")
	}
}
