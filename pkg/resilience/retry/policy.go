// Package retry provides exponential backoff with jitter for calls to flaky dependencies.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"taskmesh/pkg/resilience/circuit"
)

// Config defines configuration for retry behavior.
type Config struct {
	MaxRetries       int           `json:"max_retries" mapstructure:"max_retries"`             // Retries after the first attempt
	InitialDelay     time.Duration `json:"initial_delay" mapstructure:"initial_delay"`         // Delay before the first retry
	MaxDelay         time.Duration `json:"max_delay" mapstructure:"max_delay"`                 // Cap on any single delay
	Multiplier       float64       `json:"multiplier" mapstructure:"multiplier"`               // Growth factor per retry
	Jitter           bool          `json:"jitter" mapstructure:"jitter"`                       // ±25% randomization
	RespectRetryable bool          `json:"respect_retryable" mapstructure:"respect_retryable"` // Only retry errors judged retryable
}

// DefaultConfig provides reasonable defaults for retry behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxRetries:       3,
	InitialDelay:     time.Second,
	MaxDelay:         30 * time.Second,
	Multiplier:       2,
	Jitter:           true,
	RespectRetryable: true,
}

const jitterFraction = 0.25

// Classifier decides whether err deserves another attempt.
type Classifier func(error) bool

// Policy encapsulates retry configuration and the retry decision.
//
//nolint:govet // logical grouping
type Policy struct {
	Config     Config
	Classifier Classifier

	// OnRetry, when set, observes each scheduled retry.
	OnRetry func(attempt int, err error, delay time.Duration)

	sleep func(context.Context, time.Duration) error
	rand  func() float64
}

// NewPolicy creates a policy. A nil classifier falls through to the
// RespectRetryable setting.
func NewPolicy(config Config, classifier Classifier) *Policy {
	return &Policy{
		Config:     config,
		Classifier: classifier,
		sleep:      sleepCtx,
		rand:       rand.Float64,
	}
}

// WithSleep replaces the wait between attempts. Tests use it to avoid real delays.
func (p *Policy) WithSleep(sleep func(context.Context, time.Duration) error) *Policy {
	p.sleep = sleep
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Delay returns the wait before retry number n (1-based):
// min(InitialDelay * Multiplier^(n-1), MaxDelay), jittered when enabled.
func (p *Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Config.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.Config.InitialDelay) * math.Pow(mult, float64(n-1))
	if p.Config.MaxDelay > 0 && delay > float64(p.Config.MaxDelay) {
		delay = float64(p.Config.MaxDelay)
	}
	if p.Config.Jitter && delay > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		delay += delay * jitterFraction * (2*r() - 1)
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// ShouldRetry applies the decision order: caller classifier, then the
// retryable judgement when RespectRetryable is set, otherwise always.
// Context cancellation and breaker rejections never retry.
func (p *Policy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, circuit.ErrOpen) {
		return false
	}
	if p.Classifier != nil {
		return p.Classifier(err)
	}
	if p.Config.RespectRetryable {
		return IsRetryable(err)
	}
	return true
}

// Outcome is the non-throwing result of Try.
type Outcome[T any] struct {
	Success   bool
	Value     T
	Err       error
	Attempts  int
	TotalTime time.Duration
}

// Do runs op until it succeeds, the policy declines to retry, or retries are
// exhausted. The last error is returned unchanged.
func Do[T any](ctx context.Context, p *Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	out := Try(ctx, p, op)
	return out.Value, out.Err
}

// Try is Do without an error return.
func Try[T any](ctx context.Context, p *Policy, op func(ctx context.Context, attempt int) (T, error)) Outcome[T] {
	start := time.Now()
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var out Outcome[T]
	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		value, err := op(ctx, attempt)
		if err == nil {
			out.Success = true
			out.Value = value
			out.Err = nil
			break
		}
		out.Err = err

		if attempt > p.Config.MaxRetries || !p.ShouldRetry(err) {
			break
		}
		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			out.Err = fmt.Errorf("retry cancelled after %d attempts: %w", attempt, errors.Join(err, serr))
			break
		}
	}
	out.TotalTime = time.Since(start)
	return out
}

// flagged carries an explicit retryable decision.
type flagged struct {
	err       error
	retryable bool
}

func (f *flagged) Error() string   { return f.err.Error() }
func (f *flagged) Unwrap() error   { return f.err }
func (f *flagged) Retryable() bool { return f.retryable }

// MarkRetryable flags err as worth retrying regardless of its text.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &flagged{err: err, retryable: true}
}

// MarkPermanent flags err as not worth retrying.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &flagged{err: err, retryable: false}
}

type retryabler interface {
	Retryable() bool
}

// IsRetryable honors an explicit Retryable() flag anywhere in the chain and
// otherwise falls back to message heuristics.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r retryabler
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return matchesTransient(err.Error())
}

func matchesTransient(msg string) bool {
	s := strings.ToLower(msg)
	for _, permanent := range []string{"400", "401", "403", "404", "invalid api key", "unauthorized"} {
		if strings.Contains(s, permanent) {
			return false
		}
	}
	for _, pattern := range []string{
		"timeout", "timed out", "connection", "network", "temporar", "econnreset",
		"rate limit", "rate_limit", "429", "too many requests",
		"500", "502", "503", "504", "unavailable", "overloaded",
	} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
