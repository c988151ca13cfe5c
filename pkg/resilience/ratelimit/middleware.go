package ratelimit

import (
	"context"
	"time"

	"taskmesh/pkg/llm"
	"taskmesh/pkg/metrics"
	"taskmesh/pkg/tokens"
)

// TokenEstimator estimates the prompt tokens of a request.
type TokenEstimator interface {
	EstimatePrompt(req llm.CompletionRequest) int
}

// TiktokenEstimator counts prompt tokens with the shared tiktoken encoding.
type TiktokenEstimator struct{}

func (TiktokenEstimator) EstimatePrompt(req llm.CompletionRequest) int {
	return tokens.Count(req.PromptText())
}

// Middleware acquires prompt plus max-output tokens from limiter before each call.
func Middleware(limiter *TokenBucketLimiter, estimator TokenEstimator, recorder metrics.Recorder) llm.Middleware {
	if estimator == nil {
		estimator = TiktokenEstimator{}
	}
	recorder = metrics.OrNop(recorder)

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				need := estimator.EstimatePrompt(req) + req.MaxTokens

				start := time.Now()
				release, err := limiter.Acquire(ctx, need)
				if err != nil {
					recorder.IncThrottle(limiter.provider, "rejected")
					return llm.CompletionResponse{}, err
				}
				defer release()
				if time.Since(start) > pollInterval {
					recorder.IncThrottle(limiter.provider, "waited")
				}

				return next.Complete(ctx, req)
			},
			next.GetModelName,
		)
	}
}
