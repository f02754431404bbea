package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/stampedeio/stampede/internal/metrics"
	"github.com/stampedeio/stampede/internal/vu"
)

const (
	// reconcileTick is the scheduling granularity: how often the control
	// loop re-samples the target curve.
	reconcileTick = 100 * time.Millisecond

	defaultGracefulStop = 30 * time.Second
)

// Scheduler drives the virtual-user population to match a profile's target
// curve. It runs as a single control loop independent of the VU goroutines.
type Scheduler struct {
	profile Profile
	curve   *targetCurve
	env     *vu.Env
	iterate vu.IterationFunc

	vusGauge *metrics.Gauge
	dropped  *metrics.Counter

	tick time.Duration // injectable for tests
}

func New(profile Profile, env *vu.Env, iterate vu.IterationFunc) (*Scheduler, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	vusGauge, err := env.Registry.Gauge(metrics.SeriesVUs)
	if err != nil {
		return nil, err
	}
	dropped, err := env.Registry.Counter(metrics.SeriesDroppedIterations)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		profile:  profile,
		curve:    compileCurve(profile),
		env:      env,
		iterate:  iterate,
		vusGauge: vusGauge,
		dropped:  dropped,
		tick:     reconcileTick,
	}, nil
}

// TotalDuration is the profile's nominal run time, excluding the drain.
func (s *Scheduler) TotalDuration() time.Duration {
	return s.curve.totalDuration()
}

// Run executes the profile to completion. It returns when the final stage
// has elapsed and in-flight iterations have drained, when the grace deadline
// forces cancellation, or when ctx is cancelled (e.g. a threshold abort).
func (s *Scheduler) Run(ctx context.Context) error {
	if s.profile.isArrival() {
		return s.runArrival(ctx)
	}
	return s.runLooping(ctx)
}

func (s *Scheduler) gracefulStop() time.Duration {
	if s.profile.GracefulStop > 0 {
		return s.profile.GracefulStop
	}
	return defaultGracefulStop
}

// drain waits for wg within the graceful-stop window, then force-cancels
// in-flight iterations and waits for the goroutines to observe it.
func (s *Scheduler) drain(wg *sync.WaitGroup, cancelInFlight context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.gracefulStop())
	defer grace.Stop()

	select {
	case <-done:
	case <-grace.C:
		cancelInFlight()
		<-done
	}
	s.vusGauge.Set(0)
}
