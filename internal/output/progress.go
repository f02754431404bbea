package output

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/stampedeio/stampede/internal/metrics"
)

// ProgressReporter prints a one-line status update at a fixed interval while
// the run is active.
type ProgressReporter struct {
	registry *metrics.Registry
	ticker   *time.Ticker
	done     chan struct{}
	finished chan struct{}
	writer   io.Writer
	active   int32
	start    time.Time

	lastReqs int64
	lastAt   time.Time
}

// NewProgressReporter creates a progress reporter polling the registry at
// the given interval.
func NewProgressReporter(registry *metrics.Registry, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	now := time.Now()
	return &ProgressReporter{
		registry: registry,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		writer:   writer,
		start:    now,
		lastAt:   now,
	}
}

// Start begins printing updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts updates and terminates the status line.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
		fmt.Fprintln(p.writer)
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			fmt.Fprint(p.writer, "\r"+p.line())
		case <-p.done:
			return
		}
	}
}

func (p *ProgressReporter) line() string {
	snap := p.registry.Snapshot()

	var vus int64
	if g, ok := snap.Get(metrics.SeriesVUs); ok {
		vus = int64(g.Value)
	}
	var reqs int64
	if c, ok := snap.Get(metrics.SeriesHTTPReqs); ok {
		reqs = c.Count
	}

	// Instantaneous RPS over the window since the previous tick.
	now := time.Now()
	window := now.Sub(p.lastAt).Seconds()
	rps := 0.0
	if window > 0 {
		rps = float64(reqs-p.lastReqs) / window
	}
	p.lastReqs = reqs
	p.lastAt = now

	line := fmt.Sprintf("[%s] VUs: %d | Reqs: %d | RPS: %.1f",
		time.Since(p.start).Round(time.Second), vus, reqs, rps)

	if d, ok := snap.Get(metrics.SeriesHTTPReqDuration); ok && d.Count > 0 {
		line += fmt.Sprintf(" | p95: %.0fms", ms(d.Percentile(95)))
	}
	if c, ok := snap.Get(metrics.SeriesChecks); ok && c.Count > 0 {
		line += fmt.Sprintf(" | Checks: %.1f%%", c.Rate*100)
	}
	return line
}
