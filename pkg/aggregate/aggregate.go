// Package aggregate merges task results into the final orchestration report.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"taskmesh/pkg/dispatch"
	"taskmesh/pkg/llm"
	"taskmesh/pkg/logx"
	"taskmesh/pkg/task"
	"taskmesh/pkg/tokens"
)

const (
	// DefaultDigestTokens bounds the digest sent to the summarizer.
	DefaultDigestTokens = 6000

	// resultTokens bounds each task's contribution to the digest.
	resultTokens = 600
)

// CriticalTerms mark a failed task as critical when its description contains
// one of them.
//
//nolint:gochecknoglobals // read-only table
var CriticalTerms = []string{
	"security", "auth", "vulnerability", "password", "credential", "encryption",
	"payment", "data loss", "corruption", "correctness", "privacy", "permission",
	"migration", "integrity",
}

// Summarizer produces the prose summary; *dispatch.Dispatcher satisfies it.
type Summarizer interface {
	Dispatch(ctx context.Context, role task.Role, req llm.CompletionRequest) (*dispatch.Response, error)
}

// Aggregator builds AggregatedResults.
type Aggregator struct {
	summarizer   Summarizer
	role         task.Role
	digestTokens int
	logger       *logx.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithRole selects the role used for the summary call.
func WithRole(role task.Role) Option {
	return func(a *Aggregator) { a.role = role }
}

// WithDigestTokens bounds the digest size.
func WithDigestTokens(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.digestTokens = n
		}
	}
}

// New creates an aggregator. A nil summarizer always uses the templated
// summary.
func New(summarizer Summarizer, opts ...Option) *Aggregator {
	a := &Aggregator{
		summarizer:   summarizer,
		role:         task.RoleWriter,
		digestTokens: DefaultDigestTokens,
		logger:       logx.NewLogger("aggregate"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate builds the report for results. It never fails: when the summary
// call fails or returns nothing usable, a templated summary is used.
func (a *Aggregator) Aggregate(ctx context.Context, goal string, results []task.ExecutionResult) *task.AggregatedResult {
	out := &task.AggregatedResult{
		Goal:        goal,
		Results:     results,
		Statistics:  Statistics(results),
		FailedTasks: FailedTasks(results),
	}
	if out.Results == nil {
		out.Results = []task.ExecutionResult{}
	}

	summary, next, err := a.summarize(ctx, goal, results)
	if err != nil {
		a.logger.Warn("summary unavailable, using template: %v", err)
		summary, next = TemplateSummary(out.Statistics, out.FailedTasks)
	}
	out.Summary = summary
	out.NextSteps = next
	return out
}

// Statistics counts results by status and sums their durations.
func Statistics(results []task.ExecutionResult) task.Statistics {
	st := task.Statistics{Total: len(results)}
	var total time.Duration
	for i := range results {
		switch results[i].Status {
		case task.StatusSuccess:
			st.Success++
		case task.StatusFailure:
			st.Failed++
		case task.StatusSkipped:
			st.Skipped++
		}
		total += results[i].Duration
	}
	st.TotalDuration = total
	return st
}

// FailedTasks lists every failed result with its impact.
func FailedTasks(results []task.ExecutionResult) []task.FailedTask {
	failed := []task.FailedTask{}
	for i := range results {
		r := &results[i]
		if r.Status != task.StatusFailure {
			continue
		}
		failed = append(failed, task.FailedTask{
			TaskID:      r.TaskID,
			Description: r.Description,
			Error:       r.Error,
			Impact:      ImpactOf(r.Description),
		})
	}
	return failed
}

// ImpactOf grades a failed task by its description.
func ImpactOf(description string) task.Impact {
	lower := strings.ToLower(description)
	for _, term := range CriticalTerms {
		if strings.Contains(lower, term) {
			return task.ImpactCritical
		}
	}
	return task.ImpactMinor
}

// TemplateSummary is the deterministic summary used without a summarizer.
func TemplateSummary(st task.Statistics, failed []task.FailedTask) (string, []string) {
	summary := fmt.Sprintf("Completed %d of %d tasks (%d failed, %d skipped).", st.Success, st.Total, st.Failed, st.Skipped)

	var next []string
	critical := 0
	for _, f := range failed {
		if f.Impact == task.ImpactCritical {
			critical++
			next = append(next, fmt.Sprintf("Fix critical failure in %s: %s", f.TaskID, f.Error))
		}
	}
	for _, f := range failed {
		if f.Impact != task.ImpactCritical {
			next = append(next, fmt.Sprintf("Investigate failure of %s: %s", f.TaskID, f.Error))
		}
	}
	if critical > 0 {
		summary += fmt.Sprintf(" %d critical failure(s) need attention.", critical)
	}
	if st.Skipped > 0 {
		next = append(next, fmt.Sprintf("Re-run the %d skipped task(s) once their dependencies succeed", st.Skipped))
	}
	if st.Total > 0 && st.Success == st.Total {
		next = append(next, "Review the combined results")
	}
	return summary, next
}

func (a *Aggregator) summarize(ctx context.Context, goal string, results []task.ExecutionResult) (string, []string, error) {
	if a.summarizer == nil {
		return "", nil, fmt.Errorf("no summarizer configured")
	}
	if len(results) == 0 {
		return "", nil, fmt.Errorf("no results to summarize")
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(summaryPrompt),
		llm.NewUserMessage(fmt.Sprintf("Goal:\n%s\n\nTask results:\n%s", goal, a.digest(results))),
	})
	resp, err := a.summarizer.Dispatch(ctx, a.role, req)
	if err != nil {
		return "", nil, err
	}
	return ParseSummary(resp.Content)
}

// digest renders results for the summarizer within the token budget.
func (a *Aggregator) digest(results []task.ExecutionResult) string {
	var b strings.Builder
	for i := range results {
		r := &results[i]
		fmt.Fprintf(&b, "- [%s] %s (%s): %s\n", r.Status, r.TaskID, r.Role, r.Description)
		switch r.Status {
		case task.StatusSuccess:
			b.WriteString("  result: ")
			b.WriteString(tokens.Truncate(r.Result, resultTokens))
			b.WriteString("\n")
		case task.StatusFailure:
			fmt.Fprintf(&b, "  error: %s\n", r.Error)
		case task.StatusSkipped:
			fmt.Fprintf(&b, "  skipped: %s\n", r.SkipReason)
		}
	}
	return tokens.Truncate(b.String(), a.digestTokens)
}

type summaryReply struct {
	Summary   string   `json:"summary"`
	NextSteps []string `json:"next_steps"`
}

// ParseSummary reads a {summary, next_steps} object from reply, or takes the
// reply as plain text when it holds no such object.
func ParseSummary(reply string) (string, []string, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", nil, fmt.Errorf("empty summary reply")
	}
	if payload, ok := llm.ExtractJSON(reply); ok {
		var parsed summaryReply
		if err := json.Unmarshal([]byte(payload), &parsed); err == nil && strings.TrimSpace(parsed.Summary) != "" {
			var next []string
			for _, step := range parsed.NextSteps {
				if s := strings.TrimSpace(step); s != "" {
					next = append(next, s)
				}
			}
			return strings.TrimSpace(parsed.Summary), next, nil
		}
	}
	return reply, nil, nil
}

const summaryPrompt = `You summarize the outcome of a multi-step task run for the person who requested it.

Return ONLY a JSON object:
{"summary": "2-5 sentences on what was accomplished and what failed", "next_steps": ["concrete follow-up actions"]}

Mention failed or skipped tasks explicitly. Do not invent results that are not in the input.`
