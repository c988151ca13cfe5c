package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmesh/pkg/orchestrator"
	"taskmesh/pkg/task"
)

func TestPrintReport(t *testing.T) {
	color.NoColor = true
	res := &task.AggregatedResult{
		Goal:      "ship caching",
		SessionID: "s-1",
		Results: []task.ExecutionResult{
			{TaskID: "a", Description: "Research options", Role: task.RoleResearch, Status: task.StatusSuccess, Duration: time.Second},
			{TaskID: "b", Description: "Fix auth refresh", Role: task.RoleGeneral, Status: task.StatusFailure, Error: "503 unavailable", Retries: 2},
			{TaskID: "c", Description: "Write guide", Role: task.RoleWriter, Status: task.StatusSkipped, SkipReason: "dependency b did not succeed (failure)"},
		},
		Statistics:  task.Statistics{Total: 3, Success: 1, Failed: 1, Skipped: 1, TotalDuration: time.Second},
		FailedTasks: []task.FailedTask{{TaskID: "b", Error: "503 unavailable", Impact: task.ImpactCritical}},
		Summary:     "Caching research is done but the auth fix failed.",
		NextSteps:   []string{"Fix critical failure in b: 503 unavailable"},
	}

	var buf bytes.Buffer
	printReport(&buf, res, 100)
	out := buf.String()

	assert.Contains(t, out, "Goal: ship caching")
	assert.Contains(t, out, "✓ a [research] Research options")
	assert.Contains(t, out, "✗ b [general, 2 retries] Fix auth refresh")
	assert.Contains(t, out, "dependency b did not succeed (failure)")
	assert.Contains(t, out, "total 3  succeeded 1  failed 1  skipped 1")
	assert.Contains(t, out, "[critical] b: 503 unavailable")
	assert.Contains(t, out, "1. Fix critical failure in b")
	assert.NotContains(t, out, "\x1b[")
}

func TestWrapAndClip(t *testing.T) {
	lines := wrap(strings.Repeat("word ", 30), 22)
	require.Greater(t, len(lines), 1)
	for _, l := range lines {
		assert.LessOrEqual(t, len(l), 22)
	}

	assert.Equal(t, "short", clip("short", 40))
	assert.Equal(t, "a b", clip("a\n  b", 40))
	clipped := clip(strings.Repeat("x", 50), 20)
	assert.Len(t, clipped, 20)
	assert.True(t, strings.HasSuffix(clipped, "..."))
}

func TestApplyRunFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "run"}
	var opts runFlags
	cmd.Flags().IntVar(&opts.maxParallel, "max-parallel", 0, "")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "")
	cmd.Flags().IntVar(&opts.retries, "retries", 0, "")
	cmd.Flags().BoolVar(&opts.failFast, "fail-fast", false, "")
	cmd.Flags().Float64Var(&opts.minConfidence, "min-confidence", 0, "")
	require.NoError(t, cmd.Flags().Parse([]string{"--max-parallel", "2", "--timeout", "90s", "--fail-fast"}))

	cfg := orchestrator.DefaultConfig()
	applyRunFlags(cmd, &opts, &cfg)
	assert.Equal(t, 2, cfg.MaxParallelTasks)
	assert.Equal(t, int64(90000), cfg.TaskTimeoutMS)
	assert.True(t, cfg.FailFast)
	assert.Equal(t, orchestrator.DefaultConfig().MaxRetries, cfg.MaxRetries, "unset flags keep config values")
	assert.Zero(t, cfg.MinConfidence)
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	assert.True(t, strings.HasPrefix(buf.String(), "taskmesh dev"))
}
