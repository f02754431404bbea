// Package config defines the scenario document and run options, loaded from
// a YAML/JSON file with environment and flag overrides layered on top.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stampedeio/stampede/internal/scheduler"
)

// Duration decodes "30s"-style strings (or bare seconds) from YAML/JSON.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full run description: load profile, scenario steps, hooks,
// thresholds and output options.
type Config struct {
	BaseURL      string            `yaml:"base_url"`
	Headers      map[string]string `yaml:"headers"`
	Timeout      Duration          `yaml:"timeout"`
	GracefulStop Duration          `yaml:"graceful_stop"`

	Executor        string        `yaml:"executor"`
	VUs             int           `yaml:"vus"`
	StartVUs        int           `yaml:"start_vus"`
	Duration        Duration      `yaml:"duration"`
	Iterations      int64         `yaml:"iterations"`
	Rate            float64       `yaml:"rate"`
	StartRate       float64       `yaml:"start_rate"`
	PreAllocatedVUs int           `yaml:"pre_allocated_vus"`
	MaxVUs          int           `yaml:"max_vus"`
	Stages          []StageConfig `yaml:"stages"`

	Setup    *HookConfig     `yaml:"setup"`
	Teardown *HookConfig     `yaml:"teardown"`
	Requests []RequestConfig `yaml:"requests"`

	Thresholds []ThresholdConfig `yaml:"thresholds"`

	JSONOutput  string        `yaml:"json_output"`
	HTMLOutput  string        `yaml:"html_output"`
	Dashboard   bool          `yaml:"dashboard"`
	LogErrors   bool          `yaml:"log_errors"`
	HistoryPath string        `yaml:"history"`
	Tracing     TracingConfig `yaml:"tracing"`

	ConfigFile string `yaml:"-"`
	ListRuns   int    `yaml:"-"`
}

type StageConfig struct {
	Duration Duration `yaml:"duration"`
	Target   float64  `yaml:"target"`
}

// HookConfig is a setup or teardown block: a request sequence run exactly
// once per run. A required setup failure fails the run before scheduling.
type HookConfig struct {
	Required bool            `yaml:"required"`
	Requests []RequestConfig `yaml:"requests"`
}

// RequestConfig is one scenario step.
type RequestConfig struct {
	Name      string            `yaml:"name"`
	Method    string            `yaml:"method"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Body      string            `yaml:"body"`
	Timeout   Duration          `yaml:"timeout"`
	ThinkTime Duration          `yaml:"think_time"`
	Checks    []CheckConfig     `yaml:"checks"`
	Extract   []ExtractConfig   `yaml:"extract"`
}

// CheckConfig is one named assertion over a response. Exactly one predicate
// field must be set.
type CheckConfig struct {
	Name         string   `yaml:"name"`
	Status       int      `yaml:"status"`
	BodyContains string   `yaml:"body_contains"`
	JSONPath     string   `yaml:"json_path"`
	Equals       string   `yaml:"equals"`
	LatencyUnder Duration `yaml:"latency_under"`
}

// ExtractConfig captures a response fragment into a run variable, usable as
// a {{name}} placeholder in later steps.
type ExtractConfig struct {
	Var      string `yaml:"var"`
	JSONPath string `yaml:"json_path"`
	Header   string `yaml:"header"`
}

// ThresholdConfig accepts either a bare expression string or a mapping with
// an abort_on_fail flag:
//
//	thresholds:
//	  - "http_req_duration:p95 < 500"
//	  - expr: "http_req_failed:rate < 0.01"
//	    abort_on_fail: true
type ThresholdConfig struct {
	Expr        string `yaml:"expr"`
	AbortOnFail bool   `yaml:"abort_on_fail"`
}

func (t *ThresholdConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Expr = strings.TrimSpace(node.Value)
		return nil
	}
	type plain ThresholdConfig
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*t = ThresholdConfig(p)
	t.Expr = strings.TrimSpace(t.Expr)
	return nil
}

// TracingConfig controls the OpenTelemetry export of per-request spans.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	Protocol   string  `yaml:"protocol"` // "grpc" or "http"
	SampleRate float64 `yaml:"sample_rate"`
	Insecure   bool    `yaml:"insecure"`
}

// ValidationError aggregates every problem found in a config so the user
// fixes them in one pass.
type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string

	if len(c.Requests) == 0 {
		issues = append(issues, "at least one request is required")
	}
	if strings.TrimSpace(c.BaseURL) != "" {
		if _, err := url.Parse(c.BaseURL); err != nil {
			issues = append(issues, fmt.Sprintf("base_url: %v", err))
		}
	} else {
		for idx, req := range c.Requests {
			if !strings.Contains(req.URL, "://") {
				issues = append(issues, fmt.Sprintf("requests[%d]: relative url %q requires base_url", idx, req.URL))
			}
		}
	}
	if c.Timeout < 0 {
		issues = append(issues, "timeout must be >= 0")
	}
	if c.GracefulStop < 0 {
		issues = append(issues, "graceful_stop must be >= 0")
	}
	issues = append(issues, validateRequests("requests", c.Requests)...)
	if c.Setup != nil {
		issues = append(issues, validateRequests("setup.requests", c.Setup.Requests)...)
	}
	if c.Teardown != nil {
		issues = append(issues, validateRequests("teardown.requests", c.Teardown.Requests)...)
	}

	for idx, th := range c.Thresholds {
		if th.Expr == "" {
			issues = append(issues, fmt.Sprintf("thresholds[%d]: expression is required", idx))
		}
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			issues = append(issues, fmt.Sprintf("tracing: protocol must be 'grpc' or 'http', got %q", c.Tracing.Protocol))
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			issues = append(issues, "tracing: sample_rate must be within [0, 1]")
		}
	}

	if _, err := c.Profile(); err != nil {
		issues = append(issues, err.Error())
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validateRequests(prefix string, requests []RequestConfig) []string {
	var issues []string
	for idx, req := range requests {
		if strings.TrimSpace(req.URL) == "" {
			issues = append(issues, fmt.Sprintf("%s[%d]: url is required", prefix, idx))
		}
		if req.Timeout < 0 {
			issues = append(issues, fmt.Sprintf("%s[%d]: timeout must be >= 0", prefix, idx))
		}
		if req.ThinkTime < 0 {
			issues = append(issues, fmt.Sprintf("%s[%d]: think_time must be >= 0", prefix, idx))
		}
		for cIdx, check := range req.Checks {
			if countPredicates(check) != 1 {
				issues = append(issues, fmt.Sprintf("%s[%d].checks[%d]: exactly one of status, body_contains, json_path, latency_under is required", prefix, idx, cIdx))
			}
			if check.Equals != "" && check.JSONPath == "" {
				issues = append(issues, fmt.Sprintf("%s[%d].checks[%d]: equals requires json_path", prefix, idx, cIdx))
			}
		}
		for eIdx, ext := range req.Extract {
			if strings.TrimSpace(ext.Var) == "" {
				issues = append(issues, fmt.Sprintf("%s[%d].extract[%d]: var is required", prefix, idx, eIdx))
			}
			if (ext.JSONPath == "") == (ext.Header == "") {
				issues = append(issues, fmt.Sprintf("%s[%d].extract[%d]: exactly one of json_path or header is required", prefix, idx, eIdx))
			}
		}
	}
	return issues
}

func countPredicates(check CheckConfig) int {
	n := 0
	if check.Status != 0 {
		n++
	}
	if check.BodyContains != "" {
		n++
	}
	if check.JSONPath != "" {
		n++
	}
	if check.LatencyUnder != 0 {
		n++
	}
	return n
}

// Profile lowers the executor fields to a scheduler profile. When no
// executor is named, constant-vus is assumed.
func (c Config) Profile() (scheduler.Profile, error) {
	executor := scheduler.ExecutorType(strings.TrimSpace(c.Executor))
	if executor == "" {
		executor = scheduler.ExecutorConstantVUs
	}

	profile := scheduler.Profile{
		Executor:        executor,
		VUs:             c.VUs,
		StartVUs:        c.StartVUs,
		Duration:        c.Duration.Std(),
		IterationsPerVU: c.Iterations,
		Rate:            c.Rate,
		StartRate:       c.StartRate,
		PreAllocatedVUs: c.PreAllocatedVUs,
		MaxVUs:          c.MaxVUs,
		GracefulStop:    c.GracefulStop.Std(),
	}
	if executor == scheduler.ExecutorConstantVUs && profile.VUs == 0 {
		profile.VUs = 1
	}
	for _, stage := range c.Stages {
		profile.Stages = append(profile.Stages, scheduler.Stage{
			Duration: stage.Duration.Std(),
			Target:   stage.Target,
		})
	}
	if err := profile.Validate(); err != nil {
		return scheduler.Profile{}, err
	}
	return profile, nil
}
