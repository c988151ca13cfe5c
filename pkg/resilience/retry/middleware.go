package retry

import (
	"context"

	"taskmesh/pkg/llm"
)

// Middleware wraps an LLM client so failed completions are retried according
// to policy.
func Middleware(policy *Policy) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				return Do(ctx, policy, func(ctx context.Context, _ int) (llm.CompletionResponse, error) {
					return next.Complete(ctx, req)
				})
			},
			next.GetModelName,
		)
	}
}
