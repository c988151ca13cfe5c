package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmesh/pkg/dispatch"
	"taskmesh/pkg/llm"
	"taskmesh/pkg/llmerrors"
	"taskmesh/pkg/resilience/circuit"
	"taskmesh/pkg/task"
)

type fakeCompleter struct {
	mu    sync.Mutex
	delay time.Duration
	err   error
	reqs  []llm.CompletionRequest
}

func (f *fakeCompleter) Dispatch(ctx context.Context, role task.Role, req llm.CompletionRequest) (*dispatch.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &dispatch.Response{Content: "done: " + string(role), Provider: "openai", Model: "gpt-5"}, nil
}

func TestSubmitAwaitSuccess(t *testing.T) {
	w := NewLocal(&fakeCompleter{})
	h, err := w.Submit(t.Context(), task.RoleWriter, "write docs", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, h)

	out := w.Await(t.Context(), h, time.Second)
	require.NoError(t, out.Err)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, "done: writer", out.Result)
	assert.Equal(t, "openai", out.Provider)
	assert.Zero(t, w.Pending())

	again := w.Await(t.Context(), h, time.Second)
	assert.ErrorIs(t, again.Err, ErrUnknownHandle)
}

func TestHandlesAreUnique(t *testing.T) {
	w := NewLocal(&fakeCompleter{})
	seen := map[Handle]bool{}
	for range 20 {
		h, err := w.Submit(t.Context(), task.RoleGeneral, "x", nil)
		require.NoError(t, err)
		assert.False(t, seen[h])
		seen[h] = true
	}
}

func TestAwaitTimeoutCancelsTask(t *testing.T) {
	w := NewLocal(&fakeCompleter{delay: time.Minute})
	h, err := w.Submit(t.Context(), task.RoleGeneral, "slow", nil)
	require.NoError(t, err)

	out := w.Await(t.Context(), h, 20*time.Millisecond)
	assert.Equal(t, StatusTimeout, out.Status)
	assert.True(t, out.Retryable)
	var te *TimeoutError
	require.ErrorAs(t, out.Err, &te)
	assert.Equal(t, h, te.Handle)
}

func TestCancel(t *testing.T) {
	w := NewLocal(&fakeCompleter{delay: time.Minute})
	h, err := w.Submit(t.Context(), task.RoleGeneral, "slow", nil)
	require.NoError(t, err)

	w.Cancel(h)
	out := w.Await(t.Context(), h, time.Second)
	assert.Equal(t, StatusFailure, out.Status)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.False(t, out.Retryable)

	w.Cancel("unknown")
}

func TestAwaitContextDone(t *testing.T) {
	w := NewLocal(&fakeCompleter{delay: time.Minute})
	h, err := w.Submit(t.Context(), task.RoleGeneral, "slow", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	out := w.Await(ctx, h, time.Minute)
	assert.Equal(t, StatusFailure, out.Status)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestFailureRetryability(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"transient", &dispatch.ExhaustedError{Role: task.RoleGeneral, Attempts: 3, Last: llmerrors.NewError(llmerrors.ErrorTypeTransient, "503")}, true},
		{"bad prompt", &dispatch.ExhaustedError{Role: task.RoleGeneral, Attempts: 1, Last: llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "too long")}, false},
		{"no provider", &dispatch.NoProviderError{Role: task.RoleGeneral, Reasons: []string{"missing_credential"}}, true},
		{"plain", errors.New("model refused"), false},
		{"half-open rejection", &dispatch.ExhaustedError{Role: task.RoleGeneral, Attempts: 2, Last: &circuit.Error{Name: "openai", State: circuit.HalfOpen}}, true},
		{"open rejection", &dispatch.ExhaustedError{Role: task.RoleUI, Attempts: 1, Last: &circuit.Error{Name: "anthropic", State: circuit.Open}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewLocal(&fakeCompleter{err: tt.err})
			h, err := w.Submit(t.Context(), task.RoleGeneral, "x", nil)
			require.NoError(t, err)
			out := w.Await(t.Context(), h, time.Second)
			assert.Equal(t, StatusFailure, out.Status)
			assert.Equal(t, tt.retryable, out.Retryable)
		})
	}
}

func TestSubmitValidation(t *testing.T) {
	w := NewLocal(&fakeCompleter{})
	_, err := w.Submit(t.Context(), task.RoleGeneral, "", nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = w.Submit(ctx, task.RoleGeneral, "x", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildRequestIncludesDependencies(t *testing.T) {
	req := BuildRequest(task.RoleResearch, "compare vendors", map[string]string{
		"task-2": "second result",
		"task-1": "first result",
	})
	system, rest := req.SplitSystem()
	assert.Contains(t, system, "research analyst")
	require.Len(t, rest, 1)
	body := rest[0].Content
	assert.True(t, strings.HasPrefix(body, "Task:\ncompare vendors"))
	assert.Less(t, strings.Index(body, "[task-1]"), strings.Index(body, "[task-2]"))
	assert.Contains(t, body, "first result")
}

func TestBuildRequestUnknownRoleUsesGeneral(t *testing.T) {
	system, _ := BuildRequest(task.Role("ops"), "x", nil).SplitSystem()
	assert.Contains(t, system, "senior software engineer")
}
