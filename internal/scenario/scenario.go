// Package scenario compiles a declarative request sequence into the
// iteration function executed by every virtual user.
package scenario

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stampedeio/stampede/internal/config"
	"github.com/stampedeio/stampede/internal/httpclient"
	"github.com/stampedeio/stampede/internal/metrics"
	"github.com/stampedeio/stampede/internal/tracing"
	"github.com/stampedeio/stampede/internal/vu"
)

// placeholderPattern matches {{name}} references to extracted variables.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Scenario is a compiled request sequence plus the series it records into.
// One Scenario is shared by all virtual users of a run.
type Scenario struct {
	steps    []step
	setup    []step
	teardown []step

	setupRequired bool
	baseURL       string
	defaultHdrs   map[string]string
	timeout       time.Duration
	logErrors     bool

	client *httpclient.Client
	tracer trace.Tracer

	reqs         *metrics.Counter
	reqDuration  *metrics.Trend
	reqFailed    *metrics.Rate
	dataSent     *metrics.Counter
	dataReceived *metrics.Counter

	// setupVars is written once by RunSetup before any VU starts and is
	// read-only afterwards.
	setupVars map[string]string
}

type step struct {
	name      string
	method    string
	url       string
	headers   map[string]string
	body      string
	timeout   time.Duration
	thinkTime time.Duration
	checks    []check
	extracts  []extract
}

type check struct {
	name         string
	status       int
	bodyContains string
	jsonPath     string
	equals       string
	latencyUnder time.Duration
}

type extract struct {
	variable string
	jsonPath string
	header   string
}

// Compile lowers the config's request sequences and resolves every built-in
// series once, so iterations never touch the registry lock.
func Compile(cfg *config.Config, reg *metrics.Registry, client *httpclient.Client, tracer trace.Tracer) (*Scenario, error) {
	s := &Scenario{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		defaultHdrs: cfg.Headers,
		timeout:     cfg.Timeout.Std(),
		logErrors:   cfg.LogErrors,
		client:      client,
		tracer:      tracer,
		setupVars:   map[string]string{},
	}

	var err error
	if s.reqs, err = reg.Counter(metrics.SeriesHTTPReqs); err != nil {
		return nil, err
	}
	if s.reqDuration, err = reg.Trend(metrics.SeriesHTTPReqDuration); err != nil {
		return nil, err
	}
	if s.reqFailed, err = reg.Rate(metrics.SeriesHTTPReqFailed); err != nil {
		return nil, err
	}
	if s.dataSent, err = reg.Counter(metrics.SeriesDataSent); err != nil {
		return nil, err
	}
	if s.dataReceived, err = reg.Counter(metrics.SeriesDataReceived); err != nil {
		return nil, err
	}

	s.steps = compileSteps(cfg.Requests)
	if cfg.Setup != nil {
		s.setup = compileSteps(cfg.Setup.Requests)
		s.setupRequired = cfg.Setup.Required
	}
	if cfg.Teardown != nil {
		s.teardown = compileSteps(cfg.Teardown.Requests)
	}
	if len(s.steps) == 0 {
		return nil, fmt.Errorf("scenario has no requests")
	}
	return s, nil
}

func compileSteps(requests []config.RequestConfig) []step {
	steps := make([]step, 0, len(requests))
	for _, req := range requests {
		st := step{
			name:      req.Name,
			method:    req.Method,
			url:       req.URL,
			headers:   req.Headers,
			body:      req.Body,
			timeout:   req.Timeout.Std(),
			thinkTime: req.ThinkTime.Std(),
		}
		for _, c := range req.Checks {
			st.checks = append(st.checks, check{
				name:         checkName(req.Name, c),
				status:       c.Status,
				bodyContains: c.BodyContains,
				jsonPath:     c.JSONPath,
				equals:       c.Equals,
				latencyUnder: c.LatencyUnder.Std(),
			})
		}
		for _, e := range req.Extract {
			st.extracts = append(st.extracts, extract{
				variable: e.Var,
				jsonPath: e.JSONPath,
				header:   e.Header,
			})
		}
		steps = append(steps, st)
	}
	return steps
}

func checkName(stepName string, c config.CheckConfig) string {
	if c.Name != "" {
		return c.Name
	}
	switch {
	case c.Status != 0:
		return fmt.Sprintf("%s status is %d", stepName, c.Status)
	case c.BodyContains != "":
		return fmt.Sprintf("%s body contains %q", stepName, c.BodyContains)
	case c.JSONPath != "":
		return fmt.Sprintf("%s has %s", stepName, c.JSONPath)
	default:
		return fmt.Sprintf("%s latency under %v", stepName, c.LatencyUnder.Std())
	}
}

// SetupRequired reports whether a setup failure must fail the run before
// scheduling begins.
func (s *Scenario) SetupRequired() bool { return s.setupRequired }

// Iteration returns the function every virtual user loops.
func (s *Scenario) Iteration() vu.IterationFunc {
	return func(ctx context.Context, state *vu.State) error {
		vars := newVarScope(s.setupVars)
		var firstErr error
		for _, st := range s.steps {
			result, err := s.executeStep(ctx, st, vars)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			for _, c := range st.checks {
				state.Check(c.name, result.checkPassed(c))
			}
			if err == nil {
				result.extractInto(st.extracts, vars)
			}
			if st.thinkTime > 0 {
				if err := vu.Sleep(ctx, st.thinkTime); err != nil {
					return err
				}
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		return firstErr
	}
}

// RunSetup executes the setup sequence once, collecting extracted variables
// for every later iteration. Any request error or failed check aborts the
// sequence.
func (s *Scenario) RunSetup(ctx context.Context) error {
	vars := newVarScope(nil)
	for _, st := range s.setup {
		result, err := s.executeStep(ctx, st, vars)
		if err != nil {
			return fmt.Errorf("setup %q: %w", st.name, err)
		}
		for _, c := range st.checks {
			if !result.checkPassed(c) {
				return fmt.Errorf("setup %q: check %q failed", st.name, c.name)
			}
		}
		if err := result.extractStrict(st.extracts, vars); err != nil {
			return fmt.Errorf("setup %q: %w", st.name, err)
		}
	}
	s.setupVars = vars.flatten()
	return nil
}

// Vars returns a copy of the variables extracted during setup.
func (s *Scenario) Vars() map[string]string {
	out := make(map[string]string, len(s.setupVars))
	for k, v := range s.setupVars {
		out[k] = v
	}
	return out
}

// RunTeardown executes the teardown sequence once, with access to the setup
// variables. The first failing request aborts the sequence.
func (s *Scenario) RunTeardown(ctx context.Context) error {
	vars := newVarScope(s.setupVars)
	for _, st := range s.teardown {
		if _, err := s.executeStep(ctx, st, vars); err != nil {
			return fmt.Errorf("teardown %q: %w", st.name, err)
		}
	}
	return nil
}

// stepResult carries what check predicates and extractions need from one
// completed (or failed) request.
type stepResult struct {
	resp *httpclient.Response
	err  error
}

func (r stepResult) checkPassed(c check) bool {
	if r.err != nil || r.resp == nil {
		return false
	}
	switch {
	case c.status != 0:
		return r.resp.Status == c.status
	case c.bodyContains != "":
		return strings.Contains(string(r.resp.Body), c.bodyContains)
	case c.jsonPath != "":
		result := gjson.GetBytes(r.resp.Body, c.jsonPath)
		if !result.Exists() {
			return false
		}
		if c.equals != "" {
			return result.String() == c.equals
		}
		return true
	case c.latencyUnder > 0:
		return r.resp.Latency < c.latencyUnder
	}
	return false
}

func (r stepResult) extractInto(extracts []extract, vars *varScope) {
	for _, e := range extracts {
		if val, ok := r.extractOne(e); ok {
			vars.set(e.variable, val)
		}
	}
}

func (r stepResult) extractStrict(extracts []extract, vars *varScope) error {
	for _, e := range extracts {
		val, ok := r.extractOne(e)
		if !ok {
			if e.header != "" {
				return fmt.Errorf("extract %q: header %q not present", e.variable, e.header)
			}
			return fmt.Errorf("extract %q: path %q not found in response", e.variable, e.jsonPath)
		}
		vars.set(e.variable, val)
	}
	return nil
}

func (r stepResult) extractOne(e extract) (string, bool) {
	if r.resp == nil {
		return "", false
	}
	if e.header != "" {
		val := r.resp.Header.Get(e.header)
		return val, val != ""
	}
	result := gjson.GetBytes(r.resp.Body, e.jsonPath)
	if !result.Exists() {
		return "", false
	}
	return result.String(), true
}

// executeStep renders the step against the variable scope, issues the call
// and records the http_* series. Request failures are recorded, never
// propagated as a panic or VU death.
func (s *Scenario) executeStep(ctx context.Context, st step, vars *varScope) (stepResult, error) {
	req := httpclient.Request{
		Method:  st.method,
		URL:     s.resolveURL(vars.render(st.url)),
		Body:    vars.render(st.body),
		Timeout: st.timeout,
	}
	if req.Timeout == 0 {
		req.Timeout = s.timeout
	}
	req.Headers = make(map[string]string, len(s.defaultHdrs)+len(st.headers)+2)
	for k, v := range s.defaultHdrs {
		req.Headers[k] = vars.render(v)
	}
	for k, v := range st.headers {
		req.Headers[k] = vars.render(v)
	}

	spanCtx := ctx
	var span trace.Span
	if s.tracer != nil {
		spanCtx, span = s.tracer.Start(ctx, st.name, trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL),
		))
		tracing.InjectHeaders(spanCtx, req.Headers)
	}

	resp, err := s.client.Do(spanCtx, req)

	s.reqs.Inc()
	s.dataSent.Add(req.BytesSent())
	if resp != nil {
		s.reqDuration.Observe(resp.Latency)
		s.dataReceived.Add(int64(len(resp.Body)))
	}
	failed := err != nil || resp == nil || resp.Status >= 400
	s.reqFailed.Observe(failed)

	if span != nil {
		if resp != nil {
			span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
		}
		if failed {
			span.SetStatus(codes.Error, "request failed")
		}
		span.End()
	}

	if err != nil && s.logErrors {
		fmt.Fprintf(os.Stderr, "request %q failed: %v\n", st.name, err)
	}
	return stepResult{resp: resp, err: err}, err
}

func (s *Scenario) resolveURL(u string) string {
	if strings.Contains(u, "://") || s.baseURL == "" {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return s.baseURL + u
}

// varScope layers iteration-local variables over the read-only setup set.
type varScope struct {
	base  map[string]string
	local map[string]string
}

func newVarScope(base map[string]string) *varScope {
	return &varScope{base: base, local: map[string]string{}}
}

func (v *varScope) set(name, value string) {
	v.local[name] = value
}

func (v *varScope) lookup(name string) (string, bool) {
	if val, ok := v.local[name]; ok {
		return val, true
	}
	val, ok := v.base[name]
	return val, ok
}

func (v *varScope) flatten() map[string]string {
	out := make(map[string]string, len(v.base)+len(v.local))
	for k, val := range v.base {
		out[k] = val
	}
	for k, val := range v.local {
		out[k] = val
	}
	return out
}

// render substitutes {{name}} placeholders; unknown names are left intact so
// the failure is visible in the request rather than silently blanked.
func (v *varScope) render(s string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if val, ok := v.lookup(name); ok {
			return val
		}
		return match
	})
}
