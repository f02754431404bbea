package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all CLI flags on a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stampede",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

func configureFlags(flags *pflag.FlagSet) {
	// Scenario selection
	flags.String("config", "", "Path to scenario file (YAML or JSON)")
	flags.String("base-url", "", "Base URL prefixed to relative request URLs")

	// Load control
	flags.IntP("vus", "u", 0, "Number of virtual users (constant-vus executor)")
	flags.DurationP("duration", "d", 0, "How long to run the test (e.g. 30s, 1m)")
	flags.IntP("iterations", "i", 0, "Per-VU iteration cap (0 means unbounded)")
	flags.Duration("timeout", 30*time.Second, "Per-request timeout")
	flags.Duration("graceful-stop", 30*time.Second, "Max time to wait for in-flight iterations after the run ends")

	// Thresholds
	flags.StringSlice("threshold", nil, "Pass/fail threshold (repeatable, e.g. 'http_req_duration:p95 < 500')")

	// Output
	flags.String("json-output", "", "Write the JSON summary to the given file path")
	flags.String("html-output", "", "Write a standalone HTML report to the given file path")
	flags.Bool("dashboard", false, "Show live terminal dashboard with metrics")
	flags.Bool("log-errors", false, "Log each failed request to stderr")
	flags.String("history", "", "Path to the run-history database")
	flags.Int("list-runs", 0, "List the most recent N runs from the history database and exit")
}

func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config,
// overriding values from the scenario file and environment.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	if fs.Changed("base-url") {
		val, err := fs.GetString("base-url")
		if err != nil {
			return err
		}
		cfg.BaseURL = strings.TrimSpace(val)
	}
	if fs.Changed("vus") {
		val, err := fs.GetInt("vus")
		if err != nil {
			return err
		}
		cfg.VUs = val
	}
	if fs.Changed("duration") {
		val, err := fs.GetDuration("duration")
		if err != nil {
			return err
		}
		cfg.Duration = Duration(val)
	}
	if fs.Changed("iterations") {
		val, err := fs.GetInt("iterations")
		if err != nil {
			return err
		}
		cfg.Iterations = int64(val)
	}
	if fs.Changed("timeout") {
		val, err := fs.GetDuration("timeout")
		if err != nil {
			return err
		}
		cfg.Timeout = Duration(val)
	}
	if fs.Changed("graceful-stop") {
		val, err := fs.GetDuration("graceful-stop")
		if err != nil {
			return err
		}
		cfg.GracefulStop = Duration(val)
	}
	if fs.Changed("threshold") {
		vals, err := fs.GetStringSlice("threshold")
		if err != nil {
			return err
		}
		cfg.Thresholds = cfg.Thresholds[:0]
		for _, expr := range vals {
			cfg.Thresholds = append(cfg.Thresholds, ThresholdConfig{Expr: strings.TrimSpace(expr)})
		}
	}
	if fs.Changed("json-output") {
		val, err := fs.GetString("json-output")
		if err != nil {
			return err
		}
		cfg.JSONOutput = strings.TrimSpace(val)
	}
	if fs.Changed("html-output") {
		val, err := fs.GetString("html-output")
		if err != nil {
			return err
		}
		cfg.HTMLOutput = strings.TrimSpace(val)
	}
	if fs.Changed("dashboard") {
		val, err := fs.GetBool("dashboard")
		if err != nil {
			return err
		}
		cfg.Dashboard = val
	}
	if fs.Changed("log-errors") {
		val, err := fs.GetBool("log-errors")
		if err != nil {
			return err
		}
		cfg.LogErrors = val
	}
	if fs.Changed("history") {
		val, err := fs.GetString("history")
		if err != nil {
			return err
		}
		cfg.HistoryPath = strings.TrimSpace(val)
	}
	if fs.Changed("list-runs") {
		val, err := fs.GetInt("list-runs")
		if err != nil {
			return err
		}
		cfg.ListRuns = val
	}
	return nil
}
