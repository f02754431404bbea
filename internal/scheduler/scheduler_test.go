package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stampedeio/stampede/internal/metrics"
	"github.com/stampedeio/stampede/internal/vu"
)

func newTestEnv(t *testing.T) (*vu.Env, *metrics.Registry) {
	t.Helper()
	reg := metrics.NewRegistry()
	env, err := vu.NewEnv(reg, nil, nil)
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	return env, reg
}

// concurrencyProbe counts iterations and tracks the peak number of iteration
// bodies executing at once.
type concurrencyProbe struct {
	live  atomic.Int64
	peak  atomic.Int64
	total atomic.Int64
	hold  time.Duration
}

func (p *concurrencyProbe) iterate(ctx context.Context, _ *vu.State) error {
	n := p.live.Add(1)
	defer p.live.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	p.total.Add(1)
	if p.hold > 0 {
		return vu.Sleep(ctx, p.hold)
	}
	return nil
}

func TestScheduler_IterationCappedRun(t *testing.T) {
	env, reg := newTestEnv(t)
	probe := &concurrencyProbe{hold: time.Millisecond}

	s, err := New(Profile{
		Executor:        ExecutorConstantVUs,
		VUs:             10,
		IterationsPerVU: 5,
		GracefulStop:    5 * time.Second,
	}, env, probe.iterate)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.tick = 10 * time.Millisecond

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := probe.total.Load(); got != 50 {
		t.Errorf("completed iterations = %d, want exactly 10 users x 5 iterations = 50", got)
	}
	if peak := probe.peak.Load(); peak > 10 {
		t.Errorf("peak concurrency = %d, want <= 10", peak)
	}

	snap := reg.Snapshot()
	if iters, ok := snap.Get(metrics.SeriesIterations); !ok || iters.Count != 50 {
		t.Errorf("iterations series = %+v, want count 50", iters)
	}
	if vus, ok := snap.Get(metrics.SeriesVUs); !ok || vus.Value != 0 {
		t.Errorf("vus gauge after run = %+v, want 0", vus)
	}
}

func TestScheduler_CappedRunRetiresUsersWithoutReplacement(t *testing.T) {
	env, _ := newTestEnv(t)
	probe := &concurrencyProbe{}

	// A long nominal duration must not matter: once every allotted user
	// hits its cap the run ends on its own, without spawning replacements.
	s, err := New(Profile{
		Executor:        ExecutorConstantVUs,
		VUs:             4,
		Duration:        time.Hour,
		IterationsPerVU: 2,
		GracefulStop:    5 * time.Second,
	}, env, probe.iterate)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.tick = 10 * time.Millisecond

	start := time.Now()
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("capped run took %v, should end when users finish, not with the clock", elapsed)
	}

	if got := probe.total.Load(); got != 8 {
		t.Errorf("completed iterations = %d, want exactly 4 users x 2 iterations = 8", got)
	}
}

func TestScheduler_ConcurrencyNeverExceedsTarget(t *testing.T) {
	env, _ := newTestEnv(t)
	probe := &concurrencyProbe{hold: 2 * time.Millisecond}

	s, err := New(Profile{
		Executor: ExecutorRampingVUs,
		StartVUs: 0,
		Stages: []Stage{
			{Duration: 300 * time.Millisecond, Target: 6},
			{Duration: 300 * time.Millisecond, Target: 0},
		},
		GracefulStop: 5 * time.Second,
	}, env, probe.iterate)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.tick = 20 * time.Millisecond

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The profile peaks at 6; retirement is graceful, so one extra
	// scheduling unit of overshoot is tolerated while a retiring user
	// finishes its current iteration.
	if peak := probe.peak.Load(); peak > 7 {
		t.Errorf("peak concurrency = %d, want <= target+1 = 7", peak)
	}
	if probe.total.Load() == 0 {
		t.Error("ramp executed no iterations")
	}
}

func TestScheduler_ConstantVUsHoldsTarget(t *testing.T) {
	env, reg := newTestEnv(t)
	probe := &concurrencyProbe{hold: 5 * time.Millisecond}

	s, err := New(Profile{
		Executor:     ExecutorConstantVUs,
		VUs:          4,
		Duration:     300 * time.Millisecond,
		GracefulStop: 5 * time.Second,
	}, env, probe.iterate)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.tick = 20 * time.Millisecond

	var observedGauge atomic.Int64
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; i < 4; i++ {
			<-ticker.C
			snap := reg.Snapshot()
			if vus, ok := snap.Get(metrics.SeriesVUs); ok && int64(vus.Value) > observedGauge.Load() {
				observedGauge.Store(int64(vus.Value))
			}
		}
	}()

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if peak := probe.peak.Load(); peak != 4 {
		t.Errorf("peak concurrency = %d, want 4", peak)
	}
	if got := observedGauge.Load(); got != 4 {
		t.Errorf("observed vus gauge peak = %d, want 4", got)
	}
}

func TestScheduler_ArrivalRateDropsOnPoolExhaustion(t *testing.T) {
	env, reg := newTestEnv(t)

	// 100 arrivals/s against 10 users that each take ~200ms means the pool
	// can service roughly 50/s; the rest must be dropped, never queued.
	probe := &concurrencyProbe{hold: 200 * time.Millisecond}
	s, err := New(Profile{
		Executor:        ExecutorConstantArrival,
		Rate:            100,
		Duration:        time.Second,
		PreAllocatedVUs: 10,
		MaxVUs:          10,
		GracefulStop:    5 * time.Second,
	}, env, probe.iterate)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := reg.Snapshot()
	dropped, ok := snap.Get(metrics.SeriesDroppedIterations)
	if !ok {
		t.Fatal("dropped_iterations series missing")
	}
	started := probe.total.Load()

	// Expect ~50 started and ~50 dropped; generous bounds absorb scheduler
	// jitter, but the deficit must be clearly visible and nothing may queue.
	if dropped.Count < 25 {
		t.Errorf("dropped_iterations = %d, want >= 25 (pool of 10 cannot absorb 100/s)", dropped.Count)
	}
	if started+dropped.Count > 110 {
		t.Errorf("started (%d) + dropped (%d) = %d, want <= 110 admitted arrivals", started, dropped.Count, started+dropped.Count)
	}
	if peak := probe.peak.Load(); peak > 10 {
		t.Errorf("peak concurrency = %d, want <= max_vus = 10", peak)
	}
}

func TestScheduler_ArrivalRateHitsTargetWhenPoolSuffices(t *testing.T) {
	env, reg := newTestEnv(t)

	probe := &concurrencyProbe{}
	s, err := New(Profile{
		Executor:        ExecutorConstantArrival,
		Rate:            50,
		Duration:        time.Second,
		PreAllocatedVUs: 5,
		MaxVUs:          20,
		GracefulStop:    5 * time.Second,
	}, env, probe.iterate)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	started := probe.total.Load()
	if started < 35 || started > 60 {
		t.Errorf("iterations started = %d, want ~50 for a 50/s x 1s profile", started)
	}
	snap := reg.Snapshot()
	if dropped, ok := snap.Get(metrics.SeriesDroppedIterations); ok && dropped.Count > 2 {
		t.Errorf("dropped_iterations = %d, want ~0 with an ample pool", dropped.Count)
	}
}

func TestScheduler_ContextCancelAbortsRun(t *testing.T) {
	env, _ := newTestEnv(t)
	probe := &concurrencyProbe{hold: 10 * time.Millisecond}

	s, err := New(Profile{
		Executor:     ExecutorConstantVUs,
		VUs:          2,
		Duration:     time.Hour,
		GracefulStop: time.Second,
	}, env, probe.iterate)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.tick = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestScheduler_TotalDuration(t *testing.T) {
	env, _ := newTestEnv(t)
	s, err := New(Profile{
		Executor: ExecutorRampingVUs,
		Stages: []Stage{
			{Duration: 30 * time.Second, Target: 20},
			{Duration: time.Minute, Target: 20},
			{Duration: 30 * time.Second, Target: 0},
		},
	}, env, func(context.Context, *vu.State) error { return nil })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := s.TotalDuration(); got != 2*time.Minute {
		t.Errorf("TotalDuration = %v, want 2m", got)
	}
}
