package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/stampedeio/stampede/internal/config"
	"github.com/stampedeio/stampede/internal/dashboard"
	"github.com/stampedeio/stampede/internal/engine"
	"github.com/stampedeio/stampede/internal/history"
	"github.com/stampedeio/stampede/internal/metrics"
	"github.com/stampedeio/stampede/internal/output"
	"github.com/stampedeio/stampede/internal/threshold"
	"github.com/stampedeio/stampede/internal/tracing"
)

const progressInterval = time.Second

// errRunFailed signals a completed run that breached thresholds or was
// aborted; the report has already been printed.
var errRunFailed = errors.New("run failed")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}

	if cfg.ListRuns > 0 {
		return listRuns(os.Stdout, cfg)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "tracing shutdown: %v\n", err)
		}
	}()

	eng, err := engine.New(cfg, provider.Tracer())
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var dash *dashboard.Dashboard
	var progress *output.ProgressReporter
	if cfg.Dashboard {
		dash, err = newDashboard(cfg, eng, cancelRun)
		if err != nil {
			return err
		}
		dash.Start()
	} else {
		progress = output.NewProgressReporter(eng.Registry(), progressInterval, os.Stdout)
		progress.Start()
	}

	result, runErr := eng.Run(runCtx)

	if dash != nil {
		dash.Stop()
	}
	if progress != nil {
		progress.Stop()
	}
	if runErr != nil {
		return runErr
	}

	summary := output.NewSummary(result)
	output.PrintReport(os.Stdout, summary)

	if cfg.JSONOutput != "" {
		if err := output.WriteJSONSummary(cfg.JSONOutput, summary); err != nil {
			return err
		}
	}
	if cfg.HTMLOutput != "" {
		if err := writeHTMLReport(cfg.HTMLOutput, summary); err != nil {
			return err
		}
	}
	if cfg.HistoryPath != "" {
		if err := saveRun(cfg.HistoryPath, summary); err != nil {
			fmt.Fprintf(os.Stderr, "history: %v\n", err)
		}
	}

	if !result.Passed {
		return errRunFailed
	}
	return nil
}

func newDashboard(cfg *config.Config, eng *engine.Engine, cancelRun func()) (*dashboard.Dashboard, error) {
	profile, err := cfg.Profile()
	if err != nil {
		return nil, err
	}

	// The dashboard shows live threshold status on its own evaluator;
	// abort-on-fail decisions stay with the engine's watcher.
	exprs := make([]string, 0, len(cfg.Thresholds))
	for _, tc := range cfg.Thresholds {
		exprs = append(exprs, tc.Expr)
	}
	ths, err := threshold.ParseAll(exprs)
	if err != nil {
		return nil, err
	}

	info := dashboard.RunInfo{
		ConfigFile: cfg.ConfigFile,
		Executor:   string(profile.Executor),
		VUs:        profile.VUs,
		MaxVUs:     profile.MaxConcurrency(),
		Rate:       profile.Rate,
		Duration:   eng.TotalDuration(),
		Iterations: profile.IterationsPerVU,
		Stages:     len(profile.Stages),
	}
	return dashboard.New(eng.Registry(), threshold.NewEvaluator(ths), info, cancelRun)
}

func writeHTMLReport(path string, summary output.Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create html report: %w", err)
	}
	defer f.Close()
	return output.GenerateHTMLReport(f, summary)
}

func saveRun(path string, summary output.Summary) error {
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Save(summary)
}

// listRuns prints the most recent runs from the history database.
func listRuns(w io.Writer, cfg *config.Config) error {
	path := cfg.HistoryPath
	if path == "" {
		var err error
		path, err = history.DefaultPath()
		if err != nil {
			return err
		}
	}

	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	items, err := store.List(cfg.ListRuns)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Fprintf(w, "%-26s  %-20s  %-10s  %-8s  %-9s  %s\n",
		"RUN", "STARTED", "DURATION", "REQS", "P95", "RESULT")
	for _, item := range items {
		verdict := green("PASS")
		if !item.Passed {
			verdict = red("FAIL")
		}
		var reqs int64
		var p95 float64
		for _, m := range item.Metrics {
			switch m.Name {
			case metrics.SeriesHTTPReqs:
				reqs = m.Count
			case metrics.SeriesHTTPReqDuration:
				p95 = m.P95
			}
		}
		fmt.Fprintf(w, "%-26s  %-20s  %-10s  %-8d  %-9s  %s\n",
			item.RunID,
			item.StartedAt.Format("2006-01-02 15:04:05"),
			item.Duration.Round(time.Millisecond),
			reqs,
			fmt.Sprintf("%.1fms", p95),
			verdict)
	}
	return nil
}
