package scenario

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stampedeio/stampede/internal/config"
	"github.com/stampedeio/stampede/internal/httpclient"
	"github.com/stampedeio/stampede/internal/metrics"
	"github.com/stampedeio/stampede/internal/vu"
)

func compileFor(t *testing.T, cfg *config.Config) (*Scenario, *metrics.Registry, *vu.Env) {
	t.Helper()
	reg := metrics.NewRegistry()
	client := httpclient.New(5 * time.Second)
	s, err := Compile(cfg, reg, client, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	env, err := vu.NewEnv(reg, client, nil)
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	return s, reg, env
}

func runOneIteration(t *testing.T, s *Scenario, env *vu.Env) {
	t.Helper()
	user := vu.New(1, s.Iteration(), env)
	if err := user.RunIteration(context.Background()); err != nil {
		t.Fatalf("RunIteration: %v", err)
	}
}

func TestIteration_RecordsHTTPSeries(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	cfg := &config.Config{
		BaseURL: srv.URL,
		Requests: []config.RequestConfig{
			{Name: "home", Method: "GET", URL: "/", Checks: []config.CheckConfig{
				{Name: "status is 200", Status: 200},
				{Name: "is ok", JSONPath: "status", Equals: "ok"},
			}},
		},
	}
	s, reg, env := compileFor(t, cfg)
	runOneIteration(t, s, env)

	if hits.Load() != 1 {
		t.Fatalf("server hits = %d, want 1", hits.Load())
	}
	snap := reg.Snapshot()
	if reqs, _ := snap.Get(metrics.SeriesHTTPReqs); reqs.Count != 1 {
		t.Errorf("http_reqs = %d, want 1", reqs.Count)
	}
	if dur, _ := snap.Get(metrics.SeriesHTTPReqDuration); dur.Count != 1 {
		t.Errorf("http_req_duration count = %d, want 1", dur.Count)
	}
	if failed, _ := snap.Get(metrics.SeriesHTTPReqFailed); failed.Rate != 0 {
		t.Errorf("http_req_failed rate = %v, want 0", failed.Rate)
	}
	if checks, _ := snap.Get(metrics.SeriesChecks); checks.Count != 2 || checks.Rate != 1 {
		t.Errorf("checks = %+v, want 2 passing", checks)
	}
	if received, _ := snap.Get(metrics.SeriesDataReceived); received.Count == 0 {
		t.Error("data_received not recorded")
	}
}

func TestIteration_FailedChecksAndStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	cfg := &config.Config{
		BaseURL: srv.URL,
		Requests: []config.RequestConfig{
			{Name: "broken", Method: "GET", URL: "/", Checks: []config.CheckConfig{
				{Name: "status is 200", Status: 200},
			}},
		},
	}
	s, reg, env := compileFor(t, cfg)
	runOneIteration(t, s, env)

	snap := reg.Snapshot()
	if failed, _ := snap.Get(metrics.SeriesHTTPReqFailed); failed.Rate != 1 {
		t.Errorf("http_req_failed rate = %v, want 1 for a 500 response", failed.Rate)
	}
	if checks, _ := snap.Get(metrics.SeriesChecks); checks.Rate != 0 {
		t.Errorf("checks rate = %v, want 0", checks.Rate)
	}
}

func TestIteration_ConnectionErrorDoesNotKillVU(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening

	cfg := &config.Config{
		BaseURL: srv.URL,
		Requests: []config.RequestConfig{
			{Name: "dead", Method: "GET", URL: "/", Checks: []config.CheckConfig{
				{Name: "reachable", Status: 200},
			}},
		},
	}
	s, reg, env := compileFor(t, cfg)

	user := vu.New(1, s.Iteration(), env)
	_ = user.RunIteration(context.Background())

	snap := reg.Snapshot()
	if failed, _ := snap.Get(metrics.SeriesHTTPReqFailed); failed.Rate != 1 {
		t.Errorf("http_req_failed rate = %v, want 1 for connection error", failed.Rate)
	}
	if iters, _ := snap.Get(metrics.SeriesIterations); iters.Count != 1 {
		t.Errorf("iteration should complete despite the error, count = %d", iters.Count)
	}
}

func TestSetup_ExtractsVariablesForIterations(t *testing.T) {
	var sawAuth atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"token": "tok-123"},
		})
	})
	mux.HandleFunc("/products", func(w http.ResponseWriter, r *http.Request) {
		sawAuth.Store(r.Header.Get("Authorization"))
		w.Write([]byte(`{"products":[]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := &config.Config{
		BaseURL: srv.URL,
		Setup: &config.HookConfig{
			Required: true,
			Requests: []config.RequestConfig{
				{Name: "login", Method: "POST", URL: "/auth/login", Extract: []config.ExtractConfig{
					{Var: "token", JSONPath: "data.token"},
				}},
			},
		},
		Requests: []config.RequestConfig{
			{Name: "list", Method: "GET", URL: "/products", Headers: map[string]string{
				"Authorization": "Bearer {{token}}",
			}},
		},
	}
	s, _, env := compileFor(t, cfg)

	if err := s.RunSetup(context.Background()); err != nil {
		t.Fatalf("RunSetup: %v", err)
	}
	runOneIteration(t, s, env)

	if got := sawAuth.Load(); got != "Bearer tok-123" {
		t.Errorf("Authorization = %v, want extracted token substituted", got)
	}
}

func TestSetup_MissingExtractionFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := &config.Config{
		BaseURL: srv.URL,
		Setup: &config.HookConfig{
			Required: true,
			Requests: []config.RequestConfig{
				{Name: "login", Method: "POST", URL: "/", Extract: []config.ExtractConfig{
					{Var: "token", JSONPath: "data.token"},
				}},
			},
		},
		Requests: []config.RequestConfig{{Name: "x", URL: "/"}},
	}
	s, _, _ := compileFor(t, cfg)

	if err := s.RunSetup(context.Background()); err == nil {
		t.Error("setup with an unsatisfiable extraction must fail")
	}
	if !s.SetupRequired() {
		t.Error("SetupRequired should reflect the config flag")
	}
}

func TestIteration_PerStepExtractionChains(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/cart", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "cart-9"})
	})
	var gotPath atomic.Value
	mux.HandleFunc("/cart/", func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := &config.Config{
		BaseURL: srv.URL,
		Requests: []config.RequestConfig{
			{Name: "create cart", Method: "POST", URL: "/cart", Extract: []config.ExtractConfig{
				{Var: "cart_id", JSONPath: "id"},
			}},
			{Name: "get cart", Method: "GET", URL: "/cart/{{cart_id}}"},
		},
	}
	s, _, env := compileFor(t, cfg)
	runOneIteration(t, s, env)

	if got := gotPath.Load(); got != "/cart/cart-9" {
		t.Errorf("second step path = %v, want extracted id substituted", got)
	}
}

func TestIteration_ThinkTimeHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	cfg := &config.Config{
		BaseURL: srv.URL,
		Requests: []config.RequestConfig{
			{Name: "slow think", URL: "/", ThinkTime: config.Duration(time.Hour)},
		},
	}
	s, _, env := compileFor(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		user := vu.New(1, s.Iteration(), env)
		_ = user.RunIteration(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("iteration did not wake from think time on cancellation")
	}
}

func TestRenderPlaceholders(t *testing.T) {
	vars := newVarScope(map[string]string{"token": "abc"})
	vars.set("id", "42")

	cases := []struct {
		in, want string
	}{
		{"Bearer {{token}}", "Bearer abc"},
		{"/cart/{{id}}", "/cart/42"},
		{"{{ token }}", "abc"},
		{"{{missing}}", "{{missing}}"},
		{"no placeholders", "no placeholders"},
	}
	for _, tc := range cases {
		if got := vars.render(tc.in); got != tc.want {
			t.Errorf("render(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolveURL(t *testing.T) {
	s := &Scenario{baseURL: "https://api.example.test"}
	cases := []struct {
		in, want string
	}{
		{"/products", "https://api.example.test/products"},
		{"products", "https://api.example.test/products"},
		{"https://other.test/x", "https://other.test/x"},
	}
	for _, tc := range cases {
		if got := s.resolveURL(tc.in); got != tc.want {
			t.Errorf("resolveURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
