// Package circuit provides a per-dependency circuit breaker.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states for managing service failure patterns.
const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject requests
	HalfOpen              // Testing whether the service recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state in logs and JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a rendered state so API clients can decode it.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = Closed
	case "OPEN":
		*s = Open
	case "HALF_OPEN":
		*s = HalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", text)
	}
	return nil
}

// Config defines configuration for circuit breaker behavior.
type Config struct {
	FailureThreshold    int           `json:"failure_threshold" mapstructure:"failure_threshold"`           // Consecutive failures before opening
	ResetTimeout        time.Duration `json:"reset_timeout" mapstructure:"reset_timeout"`                   // Cooldown before a half-open trial call
	HalfOpenMaxAttempts int           `json:"half_open_max_attempts" mapstructure:"half_open_max_attempts"` // Trial calls admitted while half-open
	SuccessThreshold    int           `json:"success_threshold" mapstructure:"success_threshold"`           // Trial successes needed to close
}

// DefaultConfig provides reasonable defaults for circuit breaker behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold:    5,
	ResetTimeout:        60 * time.Second,
	HalfOpenMaxAttempts: 1,
	SuccessThreshold:    1,
}

// ErrInvalidConfig is returned by New for unusable configurations.
var ErrInvalidConfig = errors.New("invalid circuit breaker config")

// Validate rejects configurations that would make the breaker unusable.
func (c Config) Validate() error {
	switch {
	case c.FailureThreshold < 1:
		return fmt.Errorf("%w: failure threshold must be at least 1, got %d", ErrInvalidConfig, c.FailureThreshold)
	case c.ResetTimeout < 0:
		return fmt.Errorf("%w: reset timeout must not be negative, got %s", ErrInvalidConfig, c.ResetTimeout)
	case c.HalfOpenMaxAttempts < 1:
		return fmt.Errorf("%w: half-open attempts must be at least 1, got %d", ErrInvalidConfig, c.HalfOpenMaxAttempts)
	case c.SuccessThreshold < 1:
		return fmt.Errorf("%w: success threshold must be at least 1, got %d", ErrInvalidConfig, c.SuccessThreshold)
	case c.SuccessThreshold > c.HalfOpenMaxAttempts:
		return fmt.Errorf("%w: success threshold %d exceeds half-open attempts %d",
			ErrInvalidConfig, c.SuccessThreshold, c.HalfOpenMaxAttempts)
	}
	return nil
}

// ErrOpen matches every rejection produced by a breaker.
var ErrOpen = errors.New("circuit open")

// Error is returned when a call is rejected without being attempted.
type Error struct {
	Name    string
	State   State
	RetryAt time.Time
}

func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("circuit breaker is %s", e.State)
	}
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// Is makes errors.Is(err, ErrOpen) true for rejections.
func (e *Error) Is(target error) bool {
	return target == ErrOpen
}

// Metrics is a snapshot of breaker counters.
type Metrics struct {
	State               State     `json:"state"`
	TotalRequests       int64     `json:"total_requests"`
	Successful          int64     `json:"successful"`
	Failed              int64     `json:"failed"`
	Rejected            int64     `json:"rejected"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	NextRetryAt         time.Time `json:"next_retry_at,omitempty"`
}

// StateChange is delivered to the hook on every transition.
type StateChange struct {
	Name    string
	From    State
	To      State
	At      time.Time
	Metrics Metrics
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now. Tests use it to step through cooldowns.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChangeHook registers fn to observe transitions. fn runs outside
// the breaker lock and may call back into the breaker.
func WithStateChangeHook(fn func(StateChange)) Option {
	return func(b *Breaker) { b.hooks = append(b.hooks, fn) }
}

// Breaker guards one dependency. All mutations are serialized by mu.
//
//nolint:govet // logical field grouping
type Breaker struct {
	name   string
	config Config
	now    func() time.Time
	hooks  []func(StateChange)

	mu               sync.Mutex
	state            State
	consecutiveFails int
	halfOpenAttempts int
	halfOpenSuccess  int
	openedAt         time.Time
	metrics          Metrics
}

// New creates a breaker after validating config.
func New(name string, config Config, opts ...Option) (*Breaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	b := &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Name returns the dependency this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Config returns the breaker configuration.
func (b *Breaker) Config() Config {
	return b.config
}

// Execute runs op if the breaker admits it and records the outcome.
// Rejections return *Error without calling op. A context.Canceled result is
// released without a verdict.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := op(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case errors.Is(err, context.Canceled):
		b.Release()
	default:
		b.RecordFailure()
	}
	return err
}

// Allow admits or rejects one call. Every admitted call must be followed by
// RecordSuccess, RecordFailure or Release.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	b.metrics.TotalRequests++

	var change *StateChange
	switch b.state {
	case Open:
		retryAt := b.openedAt.Add(b.config.ResetTimeout)
		if b.now().Before(retryAt) {
			b.metrics.Rejected++
			b.mu.Unlock()
			return &Error{Name: b.name, State: Open, RetryAt: retryAt}
		}
		change = b.transitionLocked(HalfOpen)
		b.halfOpenAttempts = 1

	case HalfOpen:
		if b.halfOpenAttempts >= b.config.HalfOpenMaxAttempts {
			b.metrics.Rejected++
			b.mu.Unlock()
			return &Error{Name: b.name, State: HalfOpen}
		}
		b.halfOpenAttempts++
	}
	b.mu.Unlock()

	b.notify(change)
	return nil
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.metrics.Successful++

	var change *StateChange
	switch b.state {
	case Closed:
		b.consecutiveFails = 0

	case HalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.config.SuccessThreshold {
			b.consecutiveFails = 0
			change = b.transitionLocked(Closed)
		}
	}
	b.mu.Unlock()

	b.notify(change)
}

// Release gives back an admitted call that produced no verdict, such as one
// cancelled by the caller. Counters and state are unchanged; a half-open
// slot is freed for the next caller.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen && b.halfOpenAttempts > 0 {
		b.halfOpenAttempts--
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.metrics.Failed++
	b.consecutiveFails++
	b.metrics.LastFailureAt = b.now()

	var change *StateChange
	switch b.state {
	case Closed:
		if b.consecutiveFails >= b.config.FailureThreshold {
			change = b.transitionLocked(Open)
		}

	case HalfOpen:
		// Any half-open failure reopens with a fresh cooldown.
		change = b.transitionLocked(Open)
	}
	b.mu.Unlock()

	b.notify(change)
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a snapshot of the counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Reset returns the breaker to closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var change *StateChange
	if b.state != Closed {
		change = b.transitionLocked(Closed)
	}
	b.consecutiveFails = 0
	b.metrics = Metrics{}
	if change != nil {
		change.Metrics = b.snapshotLocked()
	}
	b.mu.Unlock()

	b.notify(change)
}

func (b *Breaker) transitionLocked(to State) *StateChange {
	from := b.state
	b.state = to
	b.halfOpenAttempts = 0
	b.halfOpenSuccess = 0
	if to == Open {
		b.openedAt = b.now()
	}
	return &StateChange{
		Name:    b.name,
		From:    from,
		To:      to,
		At:      b.now(),
		Metrics: b.snapshotLocked(),
	}
}

func (b *Breaker) snapshotLocked() Metrics {
	m := b.metrics
	m.State = b.state
	m.ConsecutiveFailures = b.consecutiveFails
	m.NextRetryAt = time.Time{}
	if b.state == Open {
		m.NextRetryAt = b.openedAt.Add(b.config.ResetTimeout)
	}
	return m
}

func (b *Breaker) notify(change *StateChange) {
	if change == nil {
		return
	}
	for _, hook := range b.hooks {
		hook(*change)
	}
}
