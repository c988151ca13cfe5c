package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmesh/pkg/llm"
)

func TestAcquireWithinBudget(t *testing.T) {
	l := NewTokenBucketLimiter("anthropic", Config{TokensPerMinute: 1000, MaxConcurrency: 2})

	release, err := l.Acquire(context.Background(), 400)
	require.NoError(t, err)

	stats := l.Stats()
	assert.Equal(t, 900, stats.MaxCapacity)
	assert.InDelta(t, 500, stats.AvailableTokens, 5)
	assert.Equal(t, 1, stats.ActiveRequests)

	release()
	release()
	assert.Equal(t, 0, l.Stats().ActiveRequests, "release is idempotent")
}

func TestAcquireRejectsOversizedRequest(t *testing.T) {
	l := NewTokenBucketLimiter("openai", Config{TokensPerMinute: 100})
	_, err := l.Acquire(context.Background(), 500)
	assert.Error(t, err)
}

func TestAcquireWaitsForSlot(t *testing.T) {
	l := NewTokenBucketLimiter("google", Config{MaxConcurrency: 1})

	release, err := l.Acquire(context.Background(), 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, l.Stats().ConcurrencyHits)

	release()
	release2, err := l.Acquire(context.Background(), 10)
	require.NoError(t, err)
	release2()
}

func TestRefillOverTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewTokenBucketLimiter("ollama", Config{TokensPerMinute: 600})
	l.now = func() time.Time { return now }
	l.lastRefill = now

	release, err := l.Acquire(context.Background(), 540)
	require.NoError(t, err)
	release()
	assert.Equal(t, 0, l.Stats().AvailableTokens)

	now = now.Add(10 * time.Second)
	assert.Equal(t, 90, l.Stats().AvailableTokens)
}

type countingClient struct {
	mu    sync.Mutex
	calls int
}

func (c *countingClient) Complete(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return llm.CompletionResponse{Content: "ok"}, nil
}

func (c *countingClient) GetModelName() string { return "counting" }

func TestMiddlewareReleasesSlot(t *testing.T) {
	l := NewTokenBucketLimiter("anthropic", Config{TokensPerMinute: 100000, MaxConcurrency: 1})
	base := &countingClient{}
	client := llm.Chain(base, Middleware(l, nil, nil))

	for i := 0; i < 3; i++ {
		_, err := client.Complete(context.Background(), llm.NewPromptRequest("hello"))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, base.calls)
	assert.Equal(t, 0, l.Stats().ActiveRequests)
}
