package scheduler

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/stampedeio/stampede/internal/vu"
)

// runLooping reconciles a pool of looping virtual users against the
// concurrency curve. Users are spawned and retired on each tick; retirement
// is last-in-first-out so long-lived users keep their warm connections.
func (s *Scheduler) runLooping(ctx context.Context) error {
	iterCtx, cancelIters := context.WithCancel(ctx)
	defer cancelIters()

	var wg sync.WaitGroup
	var pool []*vu.VirtualUser
	nextID := 0
	maxVUs := s.profile.MaxConcurrency()
	capped := s.profile.IterationsPerVU > 0

	spawn := func() {
		nextID++
		user := vu.New(nextID, s.iterate, s.env)
		pool = append(pool, user)
		wg.Add(1)
		go func() {
			defer wg.Done()
			user.Loop(iterCtx, s.profile.IterationsPerVU)
		}()
	}

	reconcile := func(target int) {
		if target > maxVUs {
			target = maxVUs
		}
		if target < 0 {
			target = 0
		}
		// Prune users that retired themselves (iteration cap reached).
		live := pool[:0]
		for _, user := range pool {
			if !user.Stopped() {
				live = append(live, user)
			}
		}
		pool = live

		// A capped run allots maxVUs users total: a user that retired at
		// its iteration cap is never replaced, so the pool empties once
		// every allotted user has finished.
		for len(pool) < target {
			if capped && nextID >= maxVUs {
				break
			}
			spawn()
		}
		for len(pool) > target {
			last := pool[len(pool)-1]
			last.RequestStop()
			pool = pool[:len(pool)-1]
		}
		s.vusGauge.Set(int64(len(pool)))
	}

	start := time.Now()
	if target, ok := s.curve.valueAt(0); ok {
		reconcile(roundTarget(target))
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			target, ok := s.curve.valueAt(time.Since(start))
			if !ok {
				break loop
			}
			reconcile(roundTarget(target))
			if capped && len(pool) == 0 && nextID > 0 {
				// Every user hit its iteration cap; nothing left to schedule.
				break loop
			}
		}
	}

	for _, user := range pool {
		user.RequestStop()
	}
	s.drain(&wg, cancelIters)
	return ctx.Err()
}

func roundTarget(v float64) int {
	return int(math.Round(v))
}
