package output

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/stampedeio/stampede/internal/metrics"
)

// PrintReport writes the human-readable end-of-run summary.
func PrintReport(w io.Writer, s Summary) {
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()

	fmt.Fprintf(w, "\n%s %s\n", bold("run"), s.RunID)
	fmt.Fprintf(w, "%s %s", bold("duration"), s.Duration.Round(time.Millisecond))
	if s.Aborted {
		fmt.Fprintf(w, "  %s", red("(aborted)"))
	}
	fmt.Fprintln(w)

	var reqs, iters, dropped MetricSummary
	var reqDuration, reqFailed MetricSummary
	for _, m := range s.Metrics {
		switch m.Name {
		case metrics.SeriesHTTPReqs:
			reqs = m
		case metrics.SeriesIterations:
			iters = m
		case metrics.SeriesDroppedIterations:
			dropped = m
		case metrics.SeriesHTTPReqDuration:
			reqDuration = m
		case metrics.SeriesHTTPReqFailed:
			reqFailed = m
		}
	}

	fmt.Fprintf(w, "\n%s\n", bold("requests"))
	fmt.Fprintf(w, "  total:       %d (%.1f/s)\n", reqs.Count, s.RequestRate())
	fmt.Fprintf(w, "  failed:      %d (%.2f%%)\n", reqFailed.Passes, reqFailed.Rate*100)
	fmt.Fprintf(w, "  iterations:  %d\n", iters.Count)
	if dropped.Count > 0 {
		fmt.Fprintf(w, "  dropped:     %s\n", red(fmt.Sprintf("%d", dropped.Count)))
	}

	if reqDuration.Count > 0 {
		fmt.Fprintf(w, "\n%s\n", bold("http_req_duration"))
		fmt.Fprintf(w, "  min=%.1fms med=%.1fms avg=%.1fms p90=%.1fms p95=%.1fms p99=%.1fms max=%.1fms\n",
			reqDuration.Min, reqDuration.Med, reqDuration.Mean,
			reqDuration.P90, reqDuration.P95, reqDuration.P99, reqDuration.Max)
	}

	if rate := s.CheckRate(); rate >= 0 {
		fmt.Fprintf(w, "\n%s\n", bold("checks"))
		mark := green("✓")
		if rate < 1 {
			mark = red("✗")
		}
		fmt.Fprintf(w, "  %s %.2f%% passing\n", mark, rate*100)
		for _, c := range s.checkSeries() {
			mark := green("✓")
			if c.Rate < 1 {
				mark = red("✗")
			}
			fmt.Fprintf(w, "  %s %s %s\n", mark, c.Name, faint(fmt.Sprintf("%d/%d", c.Passes, c.Count)))
		}
	}

	if len(s.Thresholds) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold("thresholds"))
		for _, th := range s.Thresholds {
			if th.Pass {
				fmt.Fprintf(w, "  %s %s %s\n", green("✓"), th.Expr, faint(fmt.Sprintf("(actual %.2f)", th.Actual)))
			} else {
				fmt.Fprintf(w, "  %s %s %s\n", red("✗"), th.Expr, red(fmt.Sprintf("(actual %.2f)", th.Actual)))
			}
		}
	}

	fmt.Fprintln(w)
	if s.Passed {
		fmt.Fprintf(w, "%s\n", green(bold("PASS")))
	} else {
		fmt.Fprintf(w, "%s\n", red(bold("FAIL")))
	}
}
