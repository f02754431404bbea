// Package dashboard renders a live terminal UI for a running load test.
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/stampedeio/stampede/internal/metrics"
	"github.com/stampedeio/stampede/internal/threshold"
)

// RunInfo holds the run parameters shown in the header pane.
type RunInfo struct {
	ConfigFile string
	Executor   string
	VUs        int
	MaxVUs     int
	Rate       float64
	Duration   time.Duration
	Iterations int64
	Stages     int
}

// Dashboard polls the metrics registry and renders live widgets until the
// run finishes or the user quits.
type Dashboard struct {
	registry     *metrics.Registry
	evaluator    *threshold.Evaluator
	info         RunInfo
	shutdownFunc func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	grid           *ui.Grid
	summaryPara    *widgets.Paragraph
	vuGauge        *widgets.Gauge
	metricsPara    *widgets.Paragraph
	latencySparkle *widgets.SparklineGroup
	latencyPara    *widgets.Paragraph
	checkList      *widgets.List
	thresholdList  *widgets.List

	latencyHistory []float64
	startTime      time.Time
	lastReqs       int64
	lastAt         time.Time
}

// New initializes termui and builds the dashboard. shutdownFunc is invoked
// when the user presses q or Ctrl-C.
func New(registry *metrics.Registry, evaluator *threshold.Evaluator, info RunInfo, shutdownFunc func()) (*Dashboard, error) {
	if err := ui.Init(); err != nil {
		return nil, fmt.Errorf("initialize termui: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	d := &Dashboard{
		registry:       registry,
		evaluator:      evaluator,
		info:           info,
		shutdownFunc:   shutdownFunc,
		ctx:            ctx,
		cancel:         cancel,
		latencyHistory: make([]float64, 0, 100),
		startTime:      now,
		lastAt:         now,
	}

	d.initWidgets()
	d.setupGrid()
	return d, nil
}

func (d *Dashboard) initWidgets() {
	d.summaryPara = widgets.NewParagraph()
	d.summaryPara.Title = "Run"
	d.summaryPara.Text = "Starting..."
	d.summaryPara.BorderStyle.Fg = ui.ColorCyan

	d.vuGauge = widgets.NewGauge()
	d.vuGauge.Title = "Virtual Users"
	d.vuGauge.Percent = 0
	d.vuGauge.BarColor = ui.ColorBlue
	d.vuGauge.BorderStyle.Fg = ui.ColorCyan
	d.vuGauge.LabelStyle = ui.NewStyle(ui.ColorWhite)

	d.metricsPara = widgets.NewParagraph()
	d.metricsPara.Title = "Traffic"
	d.metricsPara.Text = "Waiting for data..."
	d.metricsPara.BorderStyle.Fg = ui.ColorCyan

	sparkline := widgets.NewSparkline()
	sparkline.Title = "p95 (ms)"
	sparkline.LineColor = ui.ColorGreen
	sparkline.Data = []float64{0}

	d.latencySparkle = widgets.NewSparklineGroup(sparkline)
	d.latencySparkle.Title = "Request Latency"
	d.latencySparkle.BorderStyle.Fg = ui.ColorCyan

	d.latencyPara = widgets.NewParagraph()
	d.latencyPara.Title = "Latency Stats"
	d.latencyPara.Text = "Min: 0ms\nMed: 0ms\nMean: 0ms\nP90: 0ms\nP95: 0ms\nP99: 0ms"
	d.latencyPara.BorderStyle.Fg = ui.ColorCyan

	d.checkList = widgets.NewList()
	d.checkList.Title = "Checks"
	d.checkList.Rows = []string{"No checks yet"}
	d.checkList.TextStyle = ui.NewStyle(ui.ColorYellow)
	d.checkList.BorderStyle.Fg = ui.ColorCyan

	d.thresholdList = widgets.NewList()
	d.thresholdList.Title = "Thresholds"
	d.thresholdList.Rows = []string{"No thresholds configured"}
	d.thresholdList.TextStyle = ui.NewStyle(ui.ColorCyan)
	d.thresholdList.BorderStyle.Fg = ui.ColorCyan
}

func (d *Dashboard) setupGrid() {
	termWidth, termHeight := ui.TerminalDimensions()

	d.grid = ui.NewGrid()
	d.grid.SetRect(0, 0, termWidth, termHeight)

	d.grid.Set(
		ui.NewRow(0.16,
			ui.NewCol(1.0, d.summaryPara),
		),
		ui.NewRow(0.20,
			ui.NewCol(0.5, d.vuGauge),
			ui.NewCol(0.5, d.metricsPara),
		),
		ui.NewRow(0.32,
			ui.NewCol(0.65, d.latencySparkle),
			ui.NewCol(0.35, d.latencyPara),
		),
		ui.NewRow(0.32,
			ui.NewCol(0.5, d.checkList),
			ui.NewCol(0.5, d.thresholdList),
		),
	)
}

// Start begins the update loop in a background goroutine.
func (d *Dashboard) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop shuts the dashboard down and restores the terminal.
func (d *Dashboard) Stop() {
	d.cancel()
	d.wg.Wait()
	ui.Close()
	// Give the terminal time to restore
	time.Sleep(100 * time.Millisecond)
}

func (d *Dashboard) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	uiEvents := ui.PollEvents()

	d.render()

	for {
		select {
		case <-d.ctx.Done():
			for len(uiEvents) > 0 {
				<-uiEvents
			}
			return
		case e := <-uiEvents:
			select {
			case <-d.ctx.Done():
				return
			default:
			}

			switch e.ID {
			case "q", "<C-c>":
				if d.shutdownFunc != nil {
					d.shutdownFunc()
				}
				// Stop() cancels the context once the run drains
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				d.grid.SetRect(0, 0, payload.Width, payload.Height)
				ui.Clear()
				d.render()
			}
		case <-ticker.C:
			d.update()
			d.render()
		}
	}
}

// update refreshes widget data from a fresh registry snapshot.
func (d *Dashboard) update() {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := d.registry.Snapshot()
	elapsed := time.Since(d.startTime)

	var vus int64
	if g, ok := snap.Get(metrics.SeriesVUs); ok {
		vus = int64(g.Value)
	}
	d.updateVUGauge(vus)

	var reqs, iters, dropped int64
	if c, ok := snap.Get(metrics.SeriesHTTPReqs); ok {
		reqs = c.Count
	}
	if c, ok := snap.Get(metrics.SeriesIterations); ok {
		iters = c.Count
	}
	if c, ok := snap.Get(metrics.SeriesDroppedIterations); ok {
		dropped = c.Count
	}

	// Instantaneous RPS over the window since the previous tick.
	now := time.Now()
	window := now.Sub(d.lastAt).Seconds()
	rps := 0.0
	if window > 0 {
		rps = float64(reqs-d.lastReqs) / window
	}
	d.lastReqs = reqs
	d.lastAt = now

	failedPct := 0.0
	if r, ok := snap.Get(metrics.SeriesHTTPReqFailed); ok {
		failedPct = r.Rate * 100
	}

	d.summaryPara.Text = fmt.Sprintf("%s\nElapsed: %s | Requests: %d | Failed: %.1f%%",
		d.formatRunParams(), elapsed.Round(time.Second), reqs, failedPct)

	d.metricsPara.Text = fmt.Sprintf(
		"Requests:    %d\nRPS:         %.1f\nIterations:  %d\nDropped:     %d\nFailed:      %.2f%%",
		reqs, rps, iters, dropped, failedPct)

	if trend, ok := snap.Get(metrics.SeriesHTTPReqDuration); ok && trend.Count > 0 {
		p95 := millis(trend.Percentile(95))
		d.latencyHistory = append(d.latencyHistory, p95)
		if len(d.latencyHistory) > 100 {
			d.latencyHistory = d.latencyHistory[1:]
		}
		d.latencySparkle.Sparklines[0].Data = d.latencyHistory
		d.latencySparkle.Title = fmt.Sprintf("Request Latency | p95: %.1fms | Min: %.1fms | Max: %.1fms",
			p95, millis(trend.Min), millis(trend.Max))

		d.latencyPara.Text = fmt.Sprintf(
			"Min:  %.1fms\nMed:  %.1fms\nMean: %.1fms\nP90:  %.1fms\nP95:  %.1fms\nP99:  %.1fms",
			millis(trend.Min), millis(trend.Med), millis(trend.Mean),
			millis(trend.Percentile(90)), p95, millis(trend.Percentile(99)))
	}

	d.checkList.Rows = formatCheckRows(snap)
	d.thresholdList.Rows = d.formatThresholdRows(snap)
}

func (d *Dashboard) render() {
	d.mu.Lock()
	defer d.mu.Unlock()

	ui.Render(d.grid)
}

func (d *Dashboard) updateVUGauge(vus int64) {
	max := d.info.MaxVUs
	if max <= 0 {
		max = 1
	}
	percent := int(float64(vus) / float64(max) * 100)
	if percent > 100 {
		percent = 100
	}
	d.vuGauge.Percent = percent
	d.vuGauge.Label = fmt.Sprintf("%d / %d VUs", vus, max)
}

// formatCheckRows lists per-name check pass rates, worst first.
func formatCheckRows(snap metrics.Snapshot) []string {
	type checkRow struct {
		name string
		s    metrics.SeriesSnapshot
	}
	var rows []checkRow
	for name, s := range snap.Series {
		if strings.HasPrefix(name, "checks_") && s.Kind == metrics.KindRate && s.Count > 0 {
			rows = append(rows, checkRow{name: strings.TrimPrefix(name, "checks_"), s: s})
		}
	}
	if len(rows) == 0 {
		return []string{"[No checks yet](fg:green)"}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].s.Rate == rows[j].s.Rate {
			return rows[i].name < rows[j].name
		}
		return rows[i].s.Rate < rows[j].s.Rate
	})

	formatted := make([]string, 0, len(rows))
	for _, row := range rows {
		color := "green"
		if row.s.Rate < 1 {
			color = "red"
		}
		formatted = append(formatted, fmt.Sprintf("[%s](fg:%s) %.1f%% (%d/%d)",
			row.name, color, row.s.Rate*100, row.s.Passes, row.s.Count))
	}
	return formatted
}

func (d *Dashboard) formatThresholdRows(snap metrics.Snapshot) []string {
	if d.evaluator == nil || len(d.evaluator.Thresholds()) == 0 {
		return []string{"No thresholds configured"}
	}
	results := d.evaluator.Evaluate(snap)
	rows := make([]string, 0, len(results))
	for _, r := range results {
		if r.Pass {
			rows = append(rows, fmt.Sprintf("[PASS](fg:green) %s (%.2f)", r.Threshold.Raw, r.Actual))
		} else {
			rows = append(rows, fmt.Sprintf("[FAIL](fg:red) %s (%.2f)", r.Threshold.Raw, r.Actual))
		}
	}
	return rows
}

// formatRunParams formats the run configuration for the header pane.
func (d *Dashboard) formatRunParams() string {
	var parts []string

	if d.info.Executor != "" {
		parts = append(parts, fmt.Sprintf("Executor: %s", d.info.Executor))
	}
	if d.info.VUs > 0 {
		parts = append(parts, fmt.Sprintf("VUs: %d", d.info.VUs))
	}
	if d.info.Rate > 0 {
		parts = append(parts, fmt.Sprintf("Rate: %.0f/s", d.info.Rate))
	}
	if d.info.Stages > 0 {
		parts = append(parts, fmt.Sprintf("Stages: %d", d.info.Stages))
	}
	if d.info.Duration > 0 {
		parts = append(parts, fmt.Sprintf("Duration: %s", d.info.Duration))
	}
	if d.info.Iterations > 0 {
		parts = append(parts, fmt.Sprintf("Iterations: %d", d.info.Iterations))
	}
	if d.info.ConfigFile != "" {
		parts = append(parts, fmt.Sprintf("Scenario: %s", d.info.ConfigFile))
	}

	return strings.Join(parts, " | ")
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
