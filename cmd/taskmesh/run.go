package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"taskmesh/pkg/orchestrator"
)

type runFlags struct {
	maxParallel   int
	timeout       time.Duration
	retries       int
	failFast      bool
	minConfidence float64
	jsonOutput    bool
}

//nolint:gochecknoglobals // cobra flag target
var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Decompose a goal and run its tasks",
	Long: `Decompose the goal into tasks, run them in dependency order and print
the aggregated report. Flags override the orchestration section of the
config file for this run only.`,
	Example: `  taskmesh run "Design a rate limiter and document its API"
  taskmesh run --max-parallel 2 --fail-fast --json "Audit the signup flow"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sys, err := buildSystem(cfg)
		if err != nil {
			return err
		}
		defer sys.Close()

		runCfg := sys.DefaultRunConfig()
		applyRunFlags(cmd, &runOpts, &runCfg)

		ctx, stop := signalContext()
		defer stop()

		res, err := sys.Orchestrator.Orchestrate(ctx, strings.Join(args, " "), runCfg)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if runOpts.jsonOutput {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
		} else {
			printReport(out, res, terminalWidth())
		}

		if res.Statistics.Failed > 0 {
			return fmt.Errorf("%d of %d tasks failed", res.Statistics.Failed, res.Statistics.Total)
		}
		return nil
	},
}

func init() { //nolint:gochecknoinits // cobra flags
	f := runCmd.Flags()
	f.IntVar(&runOpts.maxParallel, "max-parallel", 0, "maximum tasks running at once")
	f.DurationVar(&runOpts.timeout, "timeout", 0, "per-task timeout, e.g. 90s or 5m")
	f.IntVar(&runOpts.retries, "retries", 0, "retries per task after the first attempt")
	f.BoolVar(&runOpts.failFast, "fail-fast", false, "skip remaining tasks after the first failure")
	f.Float64Var(&runOpts.minConfidence, "min-confidence", 0, "route tasks below this confidence to the default role")
	f.BoolVar(&runOpts.jsonOutput, "json", false, "print the report as JSON")
}

// applyRunFlags overrides cfg with the flags the user actually set.
func applyRunFlags(cmd *cobra.Command, opts *runFlags, cfg *orchestrator.Config) {
	flags := cmd.Flags()
	if flags.Changed("max-parallel") {
		cfg.MaxParallelTasks = opts.maxParallel
	}
	if flags.Changed("timeout") {
		cfg.TaskTimeoutMS = opts.timeout.Milliseconds()
	}
	if flags.Changed("retries") {
		cfg.MaxRetries = opts.retries
	}
	if flags.Changed("fail-fast") {
		cfg.FailFast = opts.failFast
	}
	if flags.Changed("min-confidence") {
		cfg.MinConfidence = opts.minConfidence
	}
}

func terminalWidth() int {
	const fallback = 100
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return fallback
	}
	w, _, err := term.GetSize(fd)
	if err != nil || w < 40 {
		return fallback
	}
	return w
}
