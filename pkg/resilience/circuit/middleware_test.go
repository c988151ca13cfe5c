package circuit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmesh/pkg/llm"
)

type countingClient struct {
	calls int
	err   error
}

func (c *countingClient) Complete(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
	c.calls++
	if c.err != nil {
		return llm.CompletionResponse{}, c.err
	}
	return llm.CompletionResponse{Content: "ok"}, nil
}

func (c *countingClient) GetModelName() string { return "model-x" }

func TestMiddlewareRejectsWhileOpen(t *testing.T) {
	b, err := New("openai", Config{
		FailureThreshold: 1, ResetTimeout: time.Minute, HalfOpenMaxAttempts: 1, SuccessThreshold: 1,
	}, WithClock(newFakeClock().Now))
	require.NoError(t, err)

	base := &countingClient{err: errBoom}
	client := llm.Chain(base, Middleware(b))
	assert.Equal(t, "model-x", client.GetModelName())

	_, err = client.Complete(t.Context(), llm.CompletionRequest{})
	assert.ErrorIs(t, err, errBoom)

	_, err = client.Complete(t.Context(), llm.CompletionRequest{})
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 1, base.calls)

	b.Reset()
	base.err = nil
	resp, err := client.Complete(t.Context(), llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}
