// Package worker runs individual task prompts. The scheduler talks to a
// Worker through handles so execution can be local or remote.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskmesh/pkg/task"
)

// Handle identifies a submitted task.
type Handle string

// Status is the terminal state of an Await.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
)

// ErrUnknownHandle is returned when awaiting a handle that was never
// submitted or was already collected.
var ErrUnknownHandle = errors.New("unknown worker handle")

// Outcome is the result of awaiting a handle.
//
//nolint:govet // logical grouping
type Outcome struct {
	Status    Status
	Result    string
	Err       error
	Duration  time.Duration
	Retryable bool

	Provider string
	Model    string
}

// Worker executes one task description for a role.
type Worker interface {
	// Submit starts execution and returns immediately. deps maps dependency
	// task ids to their results.
	Submit(ctx context.Context, role task.Role, description string, deps map[string]string) (Handle, error)

	// Await blocks until the task finishes, timeout elapses or ctx is done.
	// A timeout cancels the task.
	Await(ctx context.Context, h Handle, timeout time.Duration) Outcome

	// Cancel stops a running task. Unknown handles are ignored.
	Cancel(h Handle)
}

// TimeoutError reports that a task outlived its deadline.
type TimeoutError struct {
	Handle  Handle
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s did not finish within %s", e.Handle, e.Timeout)
}

// Retryable marks timeouts as worth another attempt.
func (e *TimeoutError) Retryable() bool { return true }
