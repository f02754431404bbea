// Package engine orchestrates a full run: setup, scheduling, continuous
// threshold evaluation, teardown and the final verdict.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/stampedeio/stampede/internal/config"
	"github.com/stampedeio/stampede/internal/httpclient"
	"github.com/stampedeio/stampede/internal/metrics"
	"github.com/stampedeio/stampede/internal/scenario"
	"github.com/stampedeio/stampede/internal/scheduler"
	"github.com/stampedeio/stampede/internal/threshold"
	"github.com/stampedeio/stampede/internal/vu"
)

// thresholdInterval is how often interim threshold evaluation runs while the
// scheduler is active.
const thresholdInterval = 2 * time.Second

// teardownTimeout bounds the teardown sequence after the run context is
// already done.
const teardownTimeout = 30 * time.Second

// Result is the final outcome of a run.
type Result struct {
	RunID      string
	StartedAt  time.Time
	Duration   time.Duration
	Snapshot   metrics.Snapshot
	Thresholds []threshold.Result
	Aborted    bool

	// Passed is true when every threshold passed at the final evaluation
	// and the run was not aborted.
	Passed bool
}

// Engine wires the scenario, scheduler and evaluator for one run.
type Engine struct {
	cfg       *config.Config
	registry  *metrics.Registry
	scenario  *scenario.Scenario
	sched     *scheduler.Scheduler
	env       *vu.Env
	evaluator *threshold.Evaluator

	thresholdTick time.Duration // injectable for tests
}

// New compiles the config into a ready-to-run engine. tracer may be nil when
// tracing is disabled.
func New(cfg *config.Config, tracer trace.Tracer) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	thresholds := make([]threshold.Threshold, 0, len(cfg.Thresholds))
	for i, tc := range cfg.Thresholds {
		th, err := threshold.Parse(tc.Expr)
		if err != nil {
			return nil, fmt.Errorf("thresholds[%d]: %w", i, err)
		}
		th.AbortOnFail = tc.AbortOnFail
		thresholds = append(thresholds, th)
	}

	registry := metrics.NewRegistry()
	client := httpclient.New(cfg.Timeout.Std())

	scn, err := scenario.Compile(cfg, registry, client, tracer)
	if err != nil {
		return nil, err
	}

	env, err := vu.NewEnv(registry, client, nil)
	if err != nil {
		return nil, err
	}

	profile, err := cfg.Profile()
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(profile, env, scn.Iteration())
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:           cfg,
		registry:      registry,
		scenario:      scn,
		sched:         sched,
		env:           env,
		evaluator:     threshold.NewEvaluator(thresholds),
		thresholdTick: thresholdInterval,
	}, nil
}

// Registry exposes the run's metric registry for live observers (progress
// line, dashboard).
func (e *Engine) Registry() *metrics.Registry { return e.registry }

// TotalDuration is the profile's nominal run time.
func (e *Engine) TotalDuration() time.Duration { return e.sched.TotalDuration() }

// Run executes the full lifecycle and returns the final result. The returned
// error covers failures to run at all (required setup failing); threshold
// breaches surface in Result.Passed, not as an error.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	result := &Result{
		RunID:     ulid.Make().String(),
		StartedAt: time.Now(),
	}

	if err := e.scenario.RunSetup(ctx); err != nil {
		if e.scenario.SetupRequired() {
			return nil, fmt.Errorf("required setup failed: %w", err)
		}
		// Iterations will record the missing prerequisite as failed checks.
		fmt.Fprintf(os.Stderr, "setup failed, continuing without its data: %v\n", err)
	}
	e.env.SetupData = e.scenario.Vars()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var abortedByThreshold bool
	var watcherWg sync.WaitGroup
	watcherDone := make(chan struct{})
	watcherWg.Add(1)
	go func() {
		defer watcherWg.Done()
		ticker := time.NewTicker(e.thresholdTick)
		defer ticker.Stop()
		for {
			select {
			case <-watcherDone:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				results := e.evaluator.Evaluate(e.registry.Snapshot())
				if threshold.AbortTriggered(results) {
					abortedByThreshold = true
					cancelRun()
					return
				}
			}
		}
	}()

	schedErr := e.sched.Run(runCtx)
	close(watcherDone)
	watcherWg.Wait()

	if err := e.runTeardown(); err != nil {
		fmt.Fprintf(os.Stderr, "teardown failed: %v\n", err)
	}

	result.Duration = time.Since(result.StartedAt)
	result.Snapshot = e.registry.Snapshot()
	result.Thresholds = e.evaluator.Evaluate(result.Snapshot)
	result.Aborted = abortedByThreshold || (schedErr != nil && ctx.Err() != nil)
	result.Passed = threshold.AllPassed(result.Thresholds) && !result.Aborted

	return result, nil
}

// runTeardown runs after the scheduler has drained, on a fresh context: the
// run context is typically already cancelled by then.
func (e *Engine) runTeardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	return e.scenario.RunTeardown(ctx)
}
