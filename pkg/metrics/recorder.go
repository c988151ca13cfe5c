// Package metrics records dispatch, breaker and scheduling metrics.
package metrics

import "time"

// Status labels shared by recorders.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Recorder receives metric events from the dispatcher, health monitor,
// rate limiter and scheduler.
type Recorder interface {
	// ObserveDispatch records one provider call.
	ObserveDispatch(provider, model, role, status, errorType string, duration time.Duration)

	// IncFallback records that a non-primary route served a role.
	IncFallback(role, reason string)

	// IncCircuitTransition records a breaker state change.
	IncCircuitTransition(provider, from, to string)

	// IncThrottle records a client-side rate limit wait.
	IncThrottle(provider, reason string)

	// ObserveTask records the terminal state of one task.
	ObserveTask(role, status string, retries int, duration time.Duration)

	// ObserveOrchestration records one end-to-end run.
	ObserveOrchestration(status string, tasks int, duration time.Duration)
}

// Nop discards every event.
type Nop struct{}

func (Nop) ObserveDispatch(string, string, string, string, string, time.Duration) {}
func (Nop) IncFallback(string, string)                                          {}
func (Nop) IncCircuitTransition(string, string, string)                         {}
func (Nop) IncThrottle(string, string)                                          {}
func (Nop) ObserveTask(string, string, int, time.Duration)                      {}
func (Nop) ObserveOrchestration(string, int, time.Duration)                     {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}
