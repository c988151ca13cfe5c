package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmesh/pkg/llmerrors"
	"taskmesh/pkg/resilience/circuit"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newMonitor(t *testing.T, breaker circuit.Config) (*Monitor, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	m, err := NewMonitor(Config{Breaker: breaker, RateLimitCooldown: time.Minute}, WithClock(c.Now))
	require.NoError(t, err)
	return m, c
}

func TestNewMonitorValidatesBreakerConfig(t *testing.T) {
	_, err := NewMonitor(Config{Breaker: circuit.Config{}})
	assert.ErrorIs(t, err, circuit.ErrInvalidConfig)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Reason
	}{
		{nil, ReasonNone},
		{llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "slow down"), ReasonRateLimit},
		{llmerrors.NewError(llmerrors.ErrorTypeTimeout, "late"), ReasonTimeout},
		{llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, 502, "bad gateway"), ReasonServerError},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), ReasonTimeout},
		{errors.New("HTTP 429 Too Many Requests"), ReasonRateLimit},
		{errors.New("request timed out"), ReasonTimeout},
		{errors.New("503 service unavailable"), ReasonServerError},
		{errors.New("model refused"), ReasonUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err), "%v", c.err)
	}
}

func TestRetryAfter(t *testing.T) {
	typed := &llmerrors.Error{Type: llmerrors.ErrorTypeRateLimit, RetryAfter: 42 * time.Second}
	assert.Equal(t, 42*time.Second, RetryAfter(fmt.Errorf("wrapped: %w", typed)))

	assert.Equal(t, 30*time.Second, RetryAfter(errors.New("rate limited, retry after 30s")))
	assert.Equal(t, 12*time.Second, RetryAfter(errors.New("429: Retry-After: 12")))
	assert.Equal(t, 1500*time.Millisecond, RetryAfter(errors.New("try again in 1.5 seconds")))
	assert.Equal(t, 250*time.Millisecond, RetryAfter(errors.New("retry after 250ms")))
	assert.Equal(t, 2*time.Minute, RetryAfter(errors.New("Retry after 2 minutes")))
	assert.Zero(t, RetryAfter(errors.New("429 too many requests")))
	assert.Zero(t, RetryAfter(nil))
}

func TestRateLimitCooldownUsesHint(t *testing.T) {
	m, c := newMonitor(t, circuit.DefaultConfig)

	reason := m.MarkError("openai", errors.New("429 rate limit exceeded, retry after 10s"))
	assert.Equal(t, ReasonRateLimit, reason)

	h := m.CheckHealth("openai")
	assert.False(t, h.Healthy)
	assert.Equal(t, ReasonRateLimit, h.Reason)
	assert.Equal(t, 10*time.Second, h.CooldownRemaining)

	c.Advance(10 * time.Second)
	assert.True(t, m.CheckHealth("openai").Healthy)
	assert.True(t, m.State("openai").CooldownUntil.IsZero(), "expired cooldown is cleared lazily")
}

func TestRateLimitCooldownDefault(t *testing.T) {
	m, c := newMonitor(t, circuit.DefaultConfig)

	m.MarkError("google", llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "quota"))
	assert.Equal(t, time.Minute, m.CheckHealth("google").CooldownRemaining)

	c.Advance(59 * time.Second)
	assert.False(t, m.CheckHealth("google").Healthy)
	c.Advance(time.Second)
	assert.True(t, m.CheckHealth("google").Healthy)
}

func TestSuccessClearsCooldown(t *testing.T) {
	m, _ := newMonitor(t, circuit.DefaultConfig)

	m.MarkError("anthropic", errors.New("429"))
	require.False(t, m.CheckHealth("anthropic").Healthy)

	m.MarkSuccess("anthropic")
	assert.True(t, m.CheckHealth("anthropic").Healthy)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	m, c := newMonitor(t, circuit.Config{
		FailureThreshold: 2, ResetTimeout: 30 * time.Second, HalfOpenMaxAttempts: 1, SuccessThreshold: 1,
	})
	ctx := context.Background()
	boom := errors.New("500 internal server error")

	for i := 0; i < 2; i++ {
		err := m.Execute(ctx, "ollama", func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	h := m.CheckHealth("ollama")
	assert.False(t, h.Healthy)
	assert.Equal(t, ReasonCircuitOpen, h.Reason)
	assert.Equal(t, circuit.Open, h.Circuit)
	assert.Equal(t, 30*time.Second, h.CooldownRemaining)

	err := m.Execute(ctx, "ollama", func(context.Context) error {
		t.Fatal("op must not run while open")
		return nil
	})
	assert.ErrorIs(t, err, circuit.ErrOpen)
	assert.EqualValues(t, 1, m.Metrics("ollama").Rejected)
	assert.EqualValues(t, 2, m.State("ollama").Failures, "rejections are not provider errors")

	c.Advance(30 * time.Second)
	assert.True(t, m.CheckHealth("ollama").Healthy, "cooldown elapsed, trial call allowed")
	require.NoError(t, m.Execute(ctx, "ollama", func(context.Context) error { return nil }))
	assert.Equal(t, circuit.Closed, m.Metrics("ollama").State)
}

func TestCancelledTrialCallDoesNotCloseCircuit(t *testing.T) {
	m, c := newMonitor(t, circuit.Config{
		FailureThreshold: 1, ResetTimeout: 10 * time.Second, HalfOpenMaxAttempts: 1, SuccessThreshold: 1,
	})
	ctx := context.Background()

	require.Error(t, m.Execute(ctx, "anthropic", func(context.Context) error { return errors.New("503 unavailable") }))
	c.Advance(10 * time.Second)

	err := m.Execute(ctx, "anthropic", func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	st := m.State("anthropic")
	assert.Equal(t, circuit.HalfOpen, st.Circuit.State)
	assert.EqualValues(t, 0, st.Circuit.Successful)
	assert.EqualValues(t, 0, st.Successes)
	assert.EqualValues(t, 1, st.Failures, "cancellation is not a provider error")

	require.NoError(t, m.Execute(ctx, "anthropic", func(context.Context) error { return nil }))
	assert.Equal(t, circuit.Closed, m.Metrics("anthropic").State)
}

func TestCancelledCallsDoNotMaskTimeouts(t *testing.T) {
	m, _ := newMonitor(t, circuit.Config{
		FailureThreshold: 2, ResetTimeout: time.Minute, HalfOpenMaxAttempts: 1, SuccessThreshold: 1,
	})
	ctx := context.Background()
	hung := llmerrors.NewError(llmerrors.ErrorTypeTimeout, "deadline exceeded")

	_ = m.Execute(ctx, "ollama", func(context.Context) error { return hung })
	_ = m.Execute(ctx, "ollama", func(context.Context) error { return context.Canceled })
	_ = m.Execute(ctx, "ollama", func(context.Context) error { return hung })
	assert.Equal(t, circuit.Open, m.Metrics("ollama").State)
}

func TestNextHealthy(t *testing.T) {
	m, _ := newMonitor(t, circuit.DefaultConfig)
	m.MarkError("anthropic", errors.New("429"))

	got, ok := m.NextHealthy([]string{"anthropic", "openai", "google"})
	assert.True(t, ok)
	assert.Equal(t, "openai", got)

	m.MarkError("openai", errors.New("rate limit"))
	m.MarkError("google", errors.New("quota exceeded"))
	_, ok = m.NextHealthy([]string{"anthropic", "openai", "google"})
	assert.False(t, ok)
}

func TestSummaryAndReset(t *testing.T) {
	m, _ := newMonitor(t, circuit.DefaultConfig)
	ctx := context.Background()

	require.NoError(t, m.Execute(ctx, "openai", func(context.Context) error { return nil }))
	m.MarkError("anthropic", errors.New("429"))

	summary := m.Summary()
	require.Len(t, summary, 2)
	assert.Equal(t, "anthropic", summary[0].Provider)
	assert.False(t, summary[0].Available)
	assert.Equal(t, ReasonRateLimit, summary[0].Reason)
	assert.EqualValues(t, 1, summary[0].Failures)
	assert.Equal(t, "openai", summary[1].Provider)
	assert.EqualValues(t, 1, summary[1].Successes)

	m.ResetAll()
	st := m.State("anthropic")
	assert.True(t, st.Available)
	assert.Zero(t, st.Failures)
	assert.Empty(t, st.LastError)
}

func TestConcurrentProviders(t *testing.T) {
	m, _ := newMonitor(t, circuit.Config{FailureThreshold: 1000, ResetTimeout: time.Second, HalfOpenMaxAttempts: 1, SuccessThreshold: 1})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := []string{"a", "b", "c", "d"}[i%4]
			_ = m.Execute(ctx, name, func(context.Context) error {
				if i%2 == 0 {
					return errors.New("503")
				}
				return nil
			})
			m.CheckHealth(name)
		}(i)
	}
	wg.Wait()

	var total int64
	for _, st := range m.Summary() {
		total += st.Successes + st.Failures
	}
	assert.EqualValues(t, 40, total)
}
