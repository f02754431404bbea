package scheduler

import (
	"fmt"
	"math"
	"time"
)

// ExecutorType selects the load-generation strategy for a profile.
type ExecutorType string

const (
	ExecutorConstantVUs     ExecutorType = "constant-vus"
	ExecutorRampingVUs      ExecutorType = "ramping-vus"
	ExecutorConstantArrival ExecutorType = "constant-arrival-rate"
	ExecutorRampingArrival  ExecutorType = "ramping-arrival-rate"
)

// Stage is one span of a ramping profile: over Duration, the target
// (concurrency or arrival rate) moves linearly to Target.
type Stage struct {
	Duration time.Duration
	Target   float64
}

// Profile is the immutable load profile a run is scheduled from.
type Profile struct {
	Executor ExecutorType

	// Looping-VU executors.
	VUs             int           // constant-vus target concurrency
	StartVUs        int           // ramping-vus starting concurrency
	Duration        time.Duration // constant executors only
	IterationsPerVU int64         // optional per-user iteration cap, 0 = unbounded

	// Arrival-rate executors.
	Rate            float64 // constant-arrival-rate, iterations/second
	StartRate       float64 // ramping-arrival-rate starting rate
	PreAllocatedVUs int
	MaxVUs          int

	Stages []Stage // ramping executors

	// GracefulStop bounds the in-flight drain after the profile ends;
	// beyond it, iterations are force-cancelled.
	GracefulStop time.Duration
}

// Validate rejects profiles the scheduler cannot honor.
func (p Profile) Validate() error {
	switch p.Executor {
	case ExecutorConstantVUs:
		if p.VUs < 1 {
			return fmt.Errorf("constant-vus: vus must be >= 1")
		}
		if p.Duration <= 0 && p.IterationsPerVU <= 0 {
			return fmt.Errorf("constant-vus: duration or iterations is required")
		}
	case ExecutorRampingVUs:
		if len(p.Stages) == 0 {
			return fmt.Errorf("ramping-vus: at least one stage is required")
		}
		if p.StartVUs < 0 {
			return fmt.Errorf("ramping-vus: start_vus must be >= 0")
		}
	case ExecutorConstantArrival:
		if p.Rate <= 0 {
			return fmt.Errorf("constant-arrival-rate: rate must be > 0")
		}
		if p.Duration <= 0 {
			return fmt.Errorf("constant-arrival-rate: duration must be > 0")
		}
	case ExecutorRampingArrival:
		if len(p.Stages) == 0 {
			return fmt.Errorf("ramping-arrival-rate: at least one stage is required")
		}
		if p.StartRate < 0 {
			return fmt.Errorf("ramping-arrival-rate: start_rate must be >= 0")
		}
	default:
		return fmt.Errorf("unsupported executor %q", p.Executor)
	}

	for i, stage := range p.Stages {
		if stage.Duration <= 0 {
			return fmt.Errorf("stages[%d]: duration must be > 0", i)
		}
		if stage.Target < 0 {
			return fmt.Errorf("stages[%d]: target must be >= 0", i)
		}
	}

	if p.Executor == ExecutorConstantArrival || p.Executor == ExecutorRampingArrival {
		if p.MaxVUs < 1 && p.PreAllocatedVUs < 1 {
			return fmt.Errorf("%s: pre_allocated_vus or max_vus is required", p.Executor)
		}
	}
	return nil
}

func (p Profile) isArrival() bool {
	return p.Executor == ExecutorConstantArrival || p.Executor == ExecutorRampingArrival
}

// MaxConcurrency returns the hard VU bound for this profile.
func (p Profile) MaxConcurrency() int {
	if p.isArrival() {
		max := p.MaxVUs
		if max < p.PreAllocatedVUs {
			max = p.PreAllocatedVUs
		}
		if max < 1 {
			max = 1
		}
		return max
	}
	switch p.Executor {
	case ExecutorConstantVUs:
		return p.VUs
	case ExecutorRampingVUs:
		max := float64(p.StartVUs)
		for _, stage := range p.Stages {
			max = math.Max(max, stage.Target)
		}
		return int(math.Ceil(max))
	}
	return 0
}

// targetCurve is the common time-indexed target every profile compiles to:
// a sequence of linear segments, sampled by the control loop.
type targetCurve struct {
	segments []curveSegment
	duration time.Duration
}

type curveSegment struct {
	start    time.Duration
	duration time.Duration
	from     float64
	to       float64
}

// compileCurve lowers a profile to its target curve. For looping executors
// the curve is concurrency over time; for arrival executors it is rate over
// time.
func compileCurve(p Profile) *targetCurve {
	curve := &targetCurve{}
	var offset time.Duration

	appendSegment := func(d time.Duration, from, to float64) {
		curve.segments = append(curve.segments, curveSegment{
			start:    offset,
			duration: d,
			from:     from,
			to:       to,
		})
		offset += d
	}

	switch p.Executor {
	case ExecutorConstantVUs:
		d := p.Duration
		if d <= 0 {
			// Iteration-capped run: the drain logic ends it, not the clock.
			d = time.Duration(math.MaxInt64 / 2)
		}
		appendSegment(d, float64(p.VUs), float64(p.VUs))
	case ExecutorRampingVUs:
		from := float64(p.StartVUs)
		for _, stage := range p.Stages {
			appendSegment(stage.Duration, from, stage.Target)
			from = stage.Target
		}
	case ExecutorConstantArrival:
		appendSegment(p.Duration, p.Rate, p.Rate)
	case ExecutorRampingArrival:
		from := p.StartRate
		for _, stage := range p.Stages {
			appendSegment(stage.Duration, from, stage.Target)
			from = stage.Target
		}
	}

	curve.duration = offset
	return curve
}

// valueAt samples the curve. ok is false once elapsed passes the final
// segment, which is the scheduler's signal to begin the drain.
func (c *targetCurve) valueAt(elapsed time.Duration) (float64, bool) {
	if c == nil || len(c.segments) == 0 {
		return 0, false
	}
	if elapsed < 0 {
		elapsed = 0
	}
	for _, seg := range c.segments {
		end := seg.start + seg.duration
		if elapsed < seg.start || elapsed >= end {
			continue
		}
		if seg.from == seg.to {
			return seg.from, true
		}
		progress := float64(elapsed-seg.start) / float64(seg.duration)
		if progress < 0 {
			progress = 0
		} else if progress > 1 {
			progress = 1
		}
		return seg.from + (seg.to-seg.from)*progress, true
	}
	return 0, false
}

func (c *targetCurve) totalDuration() time.Duration {
	if c == nil {
		return 0
	}
	return c.duration
}
