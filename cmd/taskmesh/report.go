package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"taskmesh/pkg/task"
)

//nolint:gochecknoglobals // shared palette
var (
	heading = color.New(color.FgCyan, color.Bold)
	dim     = color.New(color.Faint)
	okColor = color.New(color.FgGreen)
	bad     = color.New(color.FgRed, color.Bold)
	warn    = color.New(color.FgYellow)
)

// printReport renders an aggregated result for a terminal of the given width.
func printReport(w io.Writer, res *task.AggregatedResult, width int) {
	heading.Fprintf(w, "Goal: %s\n", res.Goal)
	dim.Fprintf(w, "session %s\n\n", res.SessionID)

	heading.Fprintln(w, "Tasks")
	for i := range res.Results {
		printResult(w, &res.Results[i], width)
	}

	st := res.Statistics
	fmt.Fprintln(w)
	heading.Fprintln(w, "Statistics")
	fmt.Fprintf(w, "  total %d  ", st.Total)
	okColor.Fprintf(w, "succeeded %d  ", st.Success)
	bad.Fprintf(w, "failed %d  ", st.Failed)
	warn.Fprintf(w, "skipped %d", st.Skipped)
	fmt.Fprintf(w, "  (%s task time)\n", st.TotalDuration.Round(time.Millisecond))

	if len(res.FailedTasks) > 0 {
		fmt.Fprintln(w)
		heading.Fprintln(w, "Failures")
		for _, f := range res.FailedTasks {
			c := warn
			if f.Impact == task.ImpactCritical {
				c = bad
			}
			c.Fprintf(w, "  [%s] ", f.Impact)
			fmt.Fprintf(w, "%s: %s\n", f.TaskID, clip(f.Error, width-len(f.TaskID)-16))
		}
	}

	fmt.Fprintln(w)
	heading.Fprintln(w, "Summary")
	for _, line := range wrap(res.Summary, width-2) {
		fmt.Fprintf(w, "  %s\n", line)
	}

	if len(res.NextSteps) > 0 {
		fmt.Fprintln(w)
		heading.Fprintln(w, "Next steps")
		for i, step := range res.NextSteps {
			fmt.Fprintf(w, "  %d. %s\n", i+1, step)
		}
	}
}

func printResult(w io.Writer, r *task.ExecutionResult, width int) {
	switch r.Status {
	case task.StatusSuccess:
		okColor.Fprint(w, "  ✓ ")
	case task.StatusFailure:
		bad.Fprint(w, "  ✗ ")
	default:
		warn.Fprint(w, "  - ")
	}
	fmt.Fprintf(w, "%s ", r.TaskID)
	dim.Fprintf(w, "[%s", r.Role)
	if r.Retries > 0 {
		dim.Fprintf(w, ", %d retries", r.Retries)
	}
	dim.Fprint(w, "] ")
	fmt.Fprintln(w, clip(r.Description, width-len(r.TaskID)-30))

	switch r.Status {
	case task.StatusFailure:
		bad.Fprintf(w, "      %s\n", clip(r.Error, width-6))
	case task.StatusSkipped:
		warn.Fprintf(w, "      %s\n", clip(r.SkipReason, width-6))
	}
}

// clip shortens s to at most n runes on a single line.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n < 10 {
		n = 10
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}

// wrap breaks text into lines of at most width columns on word boundaries.
func wrap(text string, width int) []string {
	if width < 20 {
		width = 20
	}
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		var line strings.Builder
		for _, word := range strings.Fields(para) {
			if line.Len() > 0 && line.Len()+1+len(word) > width {
				lines = append(lines, line.String())
				line.Reset()
			}
			if line.Len() > 0 {
				line.WriteByte(' ')
			}
			line.WriteString(word)
		}
		lines = append(lines, line.String())
	}
	return lines
}
