// Package vu implements the virtual-user runtime: one goroutine per
// simulated user, each looping a scenario iteration function until retired by
// the scheduler.
package vu

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stampedeio/stampede/internal/httpclient"
	"github.com/stampedeio/stampede/internal/metrics"
)

// IterationFunc is one pass through the scenario body. Errors mark the
// iteration as failed but never retire the virtual user.
type IterationFunc func(ctx context.Context, state *State) error

// Env bundles the resources every virtual user shares: the metric registry,
// the HTTP client, and the read-only output of the setup hook.
type Env struct {
	Registry  *metrics.Registry
	Client    *httpclient.Client
	SetupData map[string]string

	iterations   *metrics.Counter
	iterDuration *metrics.Trend
	checks       *metrics.Rate
	checkSeries  sync.Map // sanitized check name -> *metrics.Rate
}

// NewEnv resolves the built-in series once so the iteration hot path never
// touches the registry lock.
func NewEnv(reg *metrics.Registry, client *httpclient.Client, setupData map[string]string) (*Env, error) {
	iterations, err := reg.Counter(metrics.SeriesIterations)
	if err != nil {
		return nil, err
	}
	iterDuration, err := reg.Trend(metrics.SeriesIterationDuration)
	if err != nil {
		return nil, err
	}
	checks, err := reg.Rate(metrics.SeriesChecks)
	if err != nil {
		return nil, err
	}
	return &Env{
		Registry:     reg,
		Client:       client,
		SetupData:    setupData,
		iterations:   iterations,
		iterDuration: iterDuration,
		checks:       checks,
	}, nil
}

func (e *Env) checkRate(name string) *metrics.Rate {
	key := sanitizeSeriesName("checks_" + name)
	if cached, ok := e.checkSeries.Load(key); ok {
		return cached.(*metrics.Rate)
	}
	rate, err := e.Registry.Rate(key)
	if err != nil {
		// Name collides with a differently-typed series; fall back to the
		// aggregate checks rate only.
		return nil
	}
	e.checkSeries.Store(key, rate)
	return rate
}

func sanitizeSeriesName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// State is handed to the iteration function on every pass. It carries the
// virtual user's identity and the shared environment; it owns no cross-user
// mutable state.
type State struct {
	ID        int
	Iteration int64
	Env       *Env
}

// Check records a named boolean outcome into the aggregate checks rate and a
// per-name rate series. A failed check never aborts the iteration.
func (s *State) Check(name string, ok bool) bool {
	s.Env.checks.Observe(ok)
	if rate := s.Env.checkRate(name); rate != nil {
		rate.Observe(ok)
	}
	return ok
}

// Sleep suspends only the calling virtual user and wakes early on
// cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// VU lifecycle states.
const (
	stateIdle int32 = iota
	stateRunning
	stateStopping
	stateStopped
)

// VirtualUser executes iterations on a dedicated goroutine until the
// scheduler retires it or the run context is cancelled.
type VirtualUser struct {
	id      int
	iterate IterationFunc
	env     *Env

	state     atomic.Int32
	iteration atomic.Int64
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func New(id int, iterate IterationFunc, env *Env) *VirtualUser {
	return &VirtualUser{
		id:      id,
		iterate: iterate,
		env:     env,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (u *VirtualUser) ID() int { return u.id }

// Iterations returns how many iterations this user has started.
func (u *VirtualUser) Iterations() int64 { return u.iteration.Load() }

// RunIteration executes exactly one iteration, recording the iterations
// counter and iteration_duration trend. Iteration errors are swallowed: the
// scenario records its own failure metrics.
func (u *VirtualUser) RunIteration(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := u.iteration.Add(1)
	state := &State{ID: u.id, Iteration: n, Env: u.env}

	start := time.Now()
	err := u.iterate(ctx, state)
	u.env.iterDuration.Observe(time.Since(start))
	u.env.iterations.Inc()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Loop runs iterations until the context is cancelled, RequestStop is
// called, or maxIterations (when positive) is reached. The current iteration
// always completes before the user retires.
func (u *VirtualUser) Loop(ctx context.Context, maxIterations int64) {
	defer u.markStopped()
	u.state.Store(stateRunning)

	for {
		select {
		case <-ctx.Done():
			return
		case <-u.stopCh:
			return
		default:
		}
		if maxIterations > 0 && u.iteration.Load() >= maxIterations {
			return
		}
		if err := u.RunIteration(ctx); err != nil && ctx.Err() != nil {
			return
		}
	}
}

// RequestStop retires the user after its current iteration.
func (u *VirtualUser) RequestStop() {
	u.stopOnce.Do(func() {
		u.state.CompareAndSwap(stateRunning, stateStopping)
		close(u.stopCh)
	})
}

// Stopped reports whether the user's goroutine has exited.
func (u *VirtualUser) Stopped() bool {
	return u.state.Load() == stateStopped
}

// WaitForStop blocks until the user goroutine exits or the timeout elapses.
func (u *VirtualUser) WaitForStop(timeout time.Duration) bool {
	select {
	case <-u.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (u *VirtualUser) markStopped() {
	u.state.Store(stateStopped)
	select {
	case <-u.doneCh:
	default:
		close(u.doneCh)
	}
}
