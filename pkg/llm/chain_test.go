package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoClient struct{ model string }

func (e echoClient) Complete(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	return CompletionResponse{Content: req.PromptText()}, nil
}

func (e echoClient) GetModelName() string { return e.model }

func tagging(tag string, order *[]string) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				*order = append(*order, tag)
				return next.Complete(ctx, req)
			},
			next.GetModelName,
		)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	client := Chain(echoClient{model: "m"}, tagging("outer", &order), tagging("inner", &order))

	resp, err := client.Complete(context.Background(), NewPromptRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, []string{"outer", "inner"}, order)
	assert.Equal(t, "m", client.GetModelName())
}

func TestSplitSystem(t *testing.T) {
	req := NewCompletionRequest([]CompletionMessage{
		NewSystemMessage("be terse"),
		NewUserMessage("plan"),
		NewSystemMessage("json only"),
	})
	sys, rest := req.SplitSystem()
	assert.Equal(t, "be terse\n\njson only", sys)
	require.Len(t, rest, 1)
	assert.Equal(t, RoleUser, rest[0].Role)
}

func TestValidate(t *testing.T) {
	assert.Error(t, CompletionRequest{}.Validate())
	assert.NoError(t, NewPromptRequest("x").Validate())

	bad := NewPromptRequest("x")
	bad.Temperature = 3
	assert.Error(t, bad.Validate())
}
