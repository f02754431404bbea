package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stampedeio/stampede/internal/vu"
)

// minArrivalRate keeps the limiter live through zero-target stages so the
// control loop can raise the rate again without waking a stale reservation.
const minArrivalRate = 0.01

// runArrival paces iteration starts from the rate curve. Each admitted
// arrival pulls an idle virtual user from the pool; when the pool is
// exhausted and maxVUs are already live, the arrival is dropped and counted
// as a scheduling deficit.
func (s *Scheduler) runArrival(ctx context.Context) error {
	maxVUs := s.profile.MaxConcurrency()
	prealloc := s.profile.PreAllocatedVUs
	if prealloc < 1 {
		prealloc = 1
	}
	if prealloc > maxVUs {
		prealloc = maxVUs
	}

	iterCtx, cancelIters := context.WithCancel(ctx)
	defer cancelIters()
	// arrivalCtx ends admission when the curve is exhausted; in-flight
	// iterations keep iterCtx until the drain decides their fate.
	arrivalCtx, cancelArrivals := context.WithCancel(ctx)
	defer cancelArrivals()

	initial, _ := s.curve.valueAt(0)
	limiter := rate.NewLimiter(rate.Limit(clampRate(initial)), 1)

	idle := make(chan *vu.VirtualUser, maxVUs)
	spawned := 0
	nextID := 0
	spawn := func() *vu.VirtualUser {
		nextID++
		spawned++
		s.vusGauge.Set(int64(spawned))
		return vu.New(nextID, s.iterate, s.env)
	}
	for i := 0; i < prealloc; i++ {
		idle <- spawn()
	}

	// Control loop: re-sample the rate curve every tick.
	var controlWg sync.WaitGroup
	controlWg.Add(1)
	go func() {
		defer controlWg.Done()
		defer cancelArrivals()
		start := time.Now()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-arrivalCtx.Done():
				return
			case <-ticker.C:
				target, ok := s.curve.valueAt(time.Since(start))
				if !ok {
					return
				}
				limiter.SetLimit(rate.Limit(clampRate(target)))
			}
		}
	}()

	var inFlight sync.WaitGroup
	for {
		if err := limiter.Wait(arrivalCtx); err != nil {
			break
		}

		var user *vu.VirtualUser
		select {
		case user = <-idle:
		default:
			if spawned < maxVUs {
				user = spawn()
			}
		}
		if user == nil {
			// Pool exhausted: the arrival is lost, not queued.
			s.dropped.Inc()
			continue
		}

		inFlight.Add(1)
		go func(user *vu.VirtualUser) {
			defer inFlight.Done()
			_ = user.RunIteration(iterCtx)
			select {
			case idle <- user:
			default:
			}
		}(user)
	}

	controlWg.Wait()
	s.drain(&inFlight, cancelIters)
	return ctx.Err()
}

func clampRate(rps float64) float64 {
	if rps < minArrivalRate {
		return minArrivalRate
	}
	return rps
}
