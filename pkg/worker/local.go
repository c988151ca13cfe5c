package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"taskmesh/pkg/dispatch"
	"taskmesh/pkg/llm"
	"taskmesh/pkg/logx"
	"taskmesh/pkg/resilience/circuit"
	"taskmesh/pkg/resilience/retry"
	"taskmesh/pkg/task"
)

// Completer is the provider call a Local worker makes; *dispatch.Dispatcher
// satisfies it.
type Completer interface {
	Dispatch(ctx context.Context, role task.Role, req llm.CompletionRequest) (*dispatch.Response, error)
}

type job struct {
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	resp *dispatch.Response
	err  error
}

// Local runs each task in its own goroutine through a Completer.
type Local struct {
	completer Completer
	logger    *logx.Logger

	mu   sync.Mutex
	jobs map[Handle]*job
}

// NewLocal creates a worker backed by completer.
func NewLocal(completer Completer) *Local {
	return &Local{
		completer: completer,
		logger:    logx.NewLogger("worker"),
		jobs:      make(map[Handle]*job),
	}
}

// Submit starts the task and returns its handle immediately. The task stops
// when ctx is cancelled or Cancel is called.
func (w *Local) Submit(ctx context.Context, role task.Role, description string, deps map[string]string) (Handle, error) {
	if description == "" {
		return "", errors.New("task description is empty")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	h := Handle(ulid.Make().String())
	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{cancel: cancel, done: make(chan struct{}), started: time.Now()}

	w.mu.Lock()
	w.jobs[h] = j
	w.mu.Unlock()

	req := BuildRequest(role, description, deps)
	go func() {
		defer close(j.done)
		defer cancel()
		j.resp, j.err = w.completer.Dispatch(jobCtx, role, req)
	}()

	logx.Debug(ctx, "worker", "submitted %s for role %s", h, role)
	return h, nil
}

// Await collects the outcome of h. The handle is released on return, so a
// second Await for the same handle reports ErrUnknownHandle.
func (w *Local) Await(ctx context.Context, h Handle, timeout time.Duration) Outcome {
	w.mu.Lock()
	j, ok := w.jobs[h]
	w.mu.Unlock()
	if !ok {
		return Outcome{Status: StatusFailure, Err: fmt.Errorf("%w: %s", ErrUnknownHandle, h)}
	}
	defer w.release(h)

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-j.done:
	case <-timer:
		j.cancel()
		<-j.done
		w.logger.Warn("task %s timed out after %s", h, timeout)
		return Outcome{
			Status:    StatusTimeout,
			Err:       &TimeoutError{Handle: h, Timeout: timeout},
			Duration:  time.Since(j.started),
			Retryable: true,
		}
	case <-ctx.Done():
		j.cancel()
		<-j.done
		return Outcome{Status: StatusFailure, Err: ctx.Err(), Duration: time.Since(j.started)}
	}

	out := Outcome{Duration: time.Since(j.started)}
	if j.err != nil {
		out.Status = StatusFailure
		out.Err = j.err
		out.Retryable = Retryable(j.err)
		return out
	}
	out.Status = StatusSuccess
	out.Result = j.resp.Content
	out.Provider = j.resp.Provider
	out.Model = j.resp.Model
	return out
}

// Cancel stops h if it is still running.
func (w *Local) Cancel(h Handle) {
	w.mu.Lock()
	j, ok := w.jobs[h]
	w.mu.Unlock()
	if ok {
		j.cancel()
	}
}

// Pending returns the number of handles not yet collected.
func (w *Local) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.jobs)
}

func (w *Local) release(h Handle) {
	w.mu.Lock()
	delete(w.jobs, h)
	w.mu.Unlock()
}

// Retryable decides whether a failed task is worth resubmitting. A role with
// no usable provider, or a chain rejected by open circuits, may recover once
// cooldowns expire; cancellation never retries.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var none *dispatch.NoProviderError
	if errors.As(err, &none) || errors.Is(err, circuit.ErrOpen) {
		return true
	}
	return retry.IsRetryable(err)
}
