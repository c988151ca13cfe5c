package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"taskmesh/pkg/llm"
	"taskmesh/pkg/llmerrors"
	"taskmesh/pkg/resilience/circuit"
)

func noSleep(p *Policy) *Policy {
	return p.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
}

func TestDelayGrowsAndCaps(t *testing.T) {
	p := NewPolicy(Config{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}, nil)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := NewPolicy(Config{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: true}, nil)

	p.rand = func() float64 { return 0 }
	if got := p.Delay(1); got != 750*time.Millisecond {
		t.Errorf("lower jitter bound = %s, want 750ms", got)
	}
	p.rand = func() float64 { return 1 }
	if got := p.Delay(1); got != 1250*time.Millisecond {
		t.Errorf("upper jitter bound = %s, want 1.25s", got)
	}

	p.rand = nil
	for i := 0; i < 100; i++ {
		got := p.Delay(2)
		if got < 1500*time.Millisecond || got > 2500*time.Millisecond {
			t.Fatalf("Delay(2) = %s outside ±25%% of 2s", got)
		}
	}
}

func TestShouldRetryDecisionOrder(t *testing.T) {
	transient := errors.New("503 service unavailable")
	odd := errors.New("something odd")

	custom := NewPolicy(Config{RespectRetryable: true}, func(err error) bool { return err == odd })
	if !custom.ShouldRetry(odd) || custom.ShouldRetry(transient) {
		t.Error("caller classifier must take precedence")
	}

	respect := NewPolicy(Config{RespectRetryable: true}, nil)
	if !respect.ShouldRetry(transient) || respect.ShouldRetry(odd) {
		t.Error("respect-retryable mode should use heuristics")
	}

	always := NewPolicy(Config{}, nil)
	if !always.ShouldRetry(odd) {
		t.Error("without classifier or respect mode every error retries")
	}

	for _, p := range []*Policy{custom, respect, always} {
		if p.ShouldRetry(fmt.Errorf("wrapped: %w", context.Canceled)) {
			t.Error("cancellation must never retry")
		}
		if p.ShouldRetry(&circuit.Error{Name: "p", State: circuit.Open}) {
			t.Error("breaker rejection must never retry")
		}
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection reset"), true},
		{errors.New("HTTP 429 rate limit"), true},
		{errors.New("HTTP 401 unauthorized"), false},
		{errors.New("validation failed"), false},
		{context.DeadlineExceeded, true},
		{MarkPermanent(errors.New("timeout")), false},
		{MarkRetryable(errors.New("validation failed")), true},
		{llmerrors.NewError(llmerrors.ErrorTypeAuth, "timeout while authenticating"), false},
		{llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "slow down"), true},
	}
	for _, c := range cases {
		if got := IsRetryable(c.err); got != c.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := noSleep(NewPolicy(Config{MaxRetries: 3, InitialDelay: time.Millisecond, Multiplier: 2}, nil))
	var delays []time.Duration
	p.OnRetry = func(_ int, _ error, d time.Duration) { delays = append(delays, d) }

	calls := 0
	got, err := Do(context.Background(), p, func(context.Context, int) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("Do = %q, %v", got, err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(delays) != 2 || delays[0] != time.Millisecond || delays[1] != 2*time.Millisecond {
		t.Errorf("unexpected delays %v", delays)
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	p := noSleep(NewPolicy(Config{MaxRetries: 2}, nil))
	calls := 0
	_, err := Do(context.Background(), p, func(_ context.Context, attempt int) (int, error) {
		calls++
		return 0, fmt.Errorf("attempt %d failed", attempt)
	})
	if calls != 3 {
		t.Errorf("expected 1+2 calls, got %d", calls)
	}
	if err == nil || err.Error() != "attempt 3 failed" {
		t.Errorf("expected last error, got %v", err)
	}
}

func TestTryReportsOutcome(t *testing.T) {
	p := noSleep(NewPolicy(Config{MaxRetries: 5, RespectRetryable: true}, nil))
	out := Try(context.Background(), p, func(context.Context, int) (int, error) {
		return 0, errors.New("400 bad request")
	})
	if out.Success || out.Attempts != 1 || out.Err == nil {
		t.Errorf("non-retryable error should stop at one attempt: %+v", out)
	}

	out = Try(context.Background(), p, func(_ context.Context, attempt int) (int, error) {
		if attempt == 2 {
			return 42, nil
		}
		return 0, errors.New("503")
	})
	if !out.Success || out.Value != 42 || out.Attempts != 2 || out.Err != nil {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPolicy(Config{MaxRetries: 10, InitialDelay: time.Hour, Multiplier: 1}, nil)

	calls := 0
	_, err := Do(ctx, p, func(context.Context, int) (int, error) {
		calls++
		cancel()
		return 0, errors.New("flaky")
	})
	if calls != 1 {
		t.Errorf("expected a single call, got %d", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation in error chain, got %v", err)
	}
}

type scriptedClient struct {
	errs  []error
	calls int
}

func (s *scriptedClient) Complete(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return llm.CompletionResponse{}, err
		}
	}
	return llm.CompletionResponse{Content: "done"}, nil
}

func (s *scriptedClient) GetModelName() string { return "scripted" }

func TestMiddleware(t *testing.T) {
	base := &scriptedClient{errs: []error{errors.New("502 bad gateway")}}
	client := llm.Chain(base, Middleware(noSleep(NewPolicy(DefaultConfig, nil))))

	resp, err := client.Complete(context.Background(), llm.NewPromptRequest("hi"))
	if err != nil || resp.Content != "done" {
		t.Fatalf("Complete = %+v, %v", resp, err)
	}
	if base.calls != 2 {
		t.Errorf("expected one retry, got %d calls", base.calls)
	}
	if client.GetModelName() != "scripted" {
		t.Errorf("model name not delegated")
	}
}
