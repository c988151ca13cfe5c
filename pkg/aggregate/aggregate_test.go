package aggregate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmesh/pkg/dispatch"
	"taskmesh/pkg/llm"
	"taskmesh/pkg/task"
)

type fakeSummarizer struct {
	reply string
	err   error
	role  task.Role
	req   llm.CompletionRequest
}

func (f *fakeSummarizer) Dispatch(_ context.Context, role task.Role, req llm.CompletionRequest) (*dispatch.Response, error) {
	f.role = role
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &dispatch.Response{Content: f.reply}, nil
}

func sampleResults() []task.ExecutionResult {
	return []task.ExecutionResult{
		{TaskID: "a", Description: "Research caching options", Role: task.RoleResearch, Status: task.StatusSuccess, Result: "Redis fits", Duration: 2 * time.Second},
		{TaskID: "b", Description: "Fix the auth token refresh", Role: task.RoleGeneral, Status: task.StatusFailure, Error: "503 unavailable", Duration: time.Second},
		{TaskID: "c", Description: "Polish button colors", Role: task.RoleUI, Status: task.StatusFailure, Error: "timeout: slow"},
		{TaskID: "d", Description: "Write the guide", Role: task.RoleWriter, Status: task.StatusSkipped, SkipReason: "dependency b did not succeed (failure)"},
	}
}

func TestAggregateWithJSONSummary(t *testing.T) {
	s := &fakeSummarizer{reply: "```json\n{\"summary\": \"Mostly done.\", \"next_steps\": [\"retry b\", \" \"]}\n```"}
	a := New(s, WithRole(task.RoleGeneral))

	res := a.Aggregate(t.Context(), "ship caching", sampleResults())
	assert.Equal(t, "Mostly done.", res.Summary)
	assert.Equal(t, []string{"retry b"}, res.NextSteps)
	assert.Equal(t, "ship caching", res.Goal)
	assert.Equal(t, task.RoleGeneral, s.role)

	assert.Equal(t, task.Statistics{Total: 4, Success: 1, Failed: 2, Skipped: 1, TotalDuration: 3 * time.Second}, res.Statistics)
	require.Len(t, res.FailedTasks, 2)
	assert.Equal(t, task.ImpactCritical, res.FailedTasks[0].Impact)
	assert.Equal(t, task.ImpactMinor, res.FailedTasks[1].Impact)

	_, rest := s.req.SplitSystem()
	require.Len(t, rest, 1)
	assert.Contains(t, rest[0].Content, "[success] a (research)")
	assert.Contains(t, rest[0].Content, "skipped: dependency b did not succeed")
}

func TestAggregatePlainTextSummary(t *testing.T) {
	res := New(&fakeSummarizer{reply: "  Everything went fine.  "}).Aggregate(t.Context(), "g", sampleResults())
	assert.Equal(t, "Everything went fine.", res.Summary)
	assert.Empty(t, res.NextSteps)
}

func TestAggregateFallsBackToTemplate(t *testing.T) {
	tests := []struct {
		name string
		s    Summarizer
	}{
		{"error", &fakeSummarizer{err: errors.New("all providers failed")}},
		{"empty reply", &fakeSummarizer{reply: "   "}},
		{"no summarizer", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New(tt.s).Aggregate(t.Context(), "g", sampleResults())
			assert.True(t, strings.HasPrefix(res.Summary, "Completed 1 of 4 tasks (2 failed, 1 skipped)."), res.Summary)
			assert.Contains(t, res.Summary, "1 critical failure(s)")
			require.Len(t, res.NextSteps, 3)
			assert.Equal(t, "Fix critical failure in b: 503 unavailable", res.NextSteps[0])
			assert.Equal(t, "Investigate failure of c: timeout: slow", res.NextSteps[1])
			assert.Contains(t, res.NextSteps[2], "1 skipped task(s)")
		})
	}
}

func TestAggregateEmpty(t *testing.T) {
	res := New(&fakeSummarizer{reply: "unused"}).Aggregate(t.Context(), "g", nil)
	assert.Equal(t, "Completed 0 of 0 tasks (0 failed, 0 skipped).", res.Summary)
	assert.NotNil(t, res.Results)
	assert.NotNil(t, res.FailedTasks)
	assert.Empty(t, res.NextSteps)
}

func TestTemplateAllSucceeded(t *testing.T) {
	_, next := TemplateSummary(task.Statistics{Total: 2, Success: 2}, nil)
	assert.Equal(t, []string{"Review the combined results"}, next)
}

func TestImpactOf(t *testing.T) {
	assert.Equal(t, task.ImpactCritical, ImpactOf("Prevent DATA LOSS on restart"))
	assert.Equal(t, task.ImpactCritical, ImpactOf("Run the schema migration"))
	assert.Equal(t, task.ImpactMinor, ImpactOf("Tweak the footer"))
}

func TestDigestIsBounded(t *testing.T) {
	long := strings.Repeat("lorem ipsum dolor sit amet ", 2000)
	results := []task.ExecutionResult{{TaskID: "a", Status: task.StatusSuccess, Result: long}}
	s := &fakeSummarizer{reply: "ok"}
	New(s, WithDigestTokens(200)).Aggregate(t.Context(), "g", results)

	_, rest := s.req.SplitSystem()
	require.Len(t, rest, 1)
	assert.Less(t, len(rest[0].Content), len(long)/4)
}
