// Package anthropic provides the Anthropic Claude client for the llm interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"taskmesh/pkg/llm"
	"taskmesh/pkg/llmerrors"
)

const providerName = "anthropic"

// Client wraps the Anthropic Messages API. Retries are disabled in the SDK;
// the dispatcher owns retry and fallback.
//
//nolint:govet // logical grouping
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClientWithModel creates a raw client; middleware is applied by the registry.
func NewClientWithModel(apiKey, model, baseURL string) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

// ensureAlternation merges consecutive user turns so the conversation
// strictly alternates, starts with a user turn and ends with one.
func ensureAlternation(messages []llm.CompletionMessage) ([]llm.CompletionMessage, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("must have at least one non-system message")
	}

	var merged []llm.CompletionMessage
	var pending []string
	flush := func() {
		if len(pending) > 0 {
			merged = append(merged, llm.NewUserMessage(strings.Join(pending, "\n\n")))
			pending = nil
		}
	}
	for _, msg := range messages {
		if msg.Role == llm.RoleAssistant {
			flush()
			merged = append(merged, msg)
			continue
		}
		pending = append(pending, msg.Content)
	}
	flush()

	for i := range merged {
		if i > 0 && merged[i].Role == merged[i-1].Role {
			return nil, fmt.Errorf("alternation violation at index %d: consecutive %s messages", i, merged[i].Role)
		}
	}
	if merged[0].Role != llm.RoleUser {
		return nil, fmt.Errorf("first message must be user role, got: %s", merged[0].Role)
	}
	if last := merged[len(merged)-1]; last.Role != llm.RoleUser {
		return nil, fmt.Errorf("last message must be user role, got: %s", last.Role)
	}
	return merged, nil
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (c *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	systemPrompt, rest := in.SplitSystem()
	alternating, err := ensureAlternation(rest)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message alternation error: %v", err))
	}

	messages := make([]anthropic.MessageParam, 0, len(alternating))
	for _, msg := range alternating {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == llm.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received empty or nil response from Claude API")
	}

	var text strings.Builder
	for i := range resp.Content {
		if resp.Content[i].Type == "text" {
			text.WriteString(resp.Content[i].Text)
		}
	}
	if text.Len() == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "Claude response contained no text blocks")
	}

	return llm.CompletionResponse{
		Content:      text.String(),
		StopReason:   string(resp.StopReason),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// GetModelName returns the model name for this client.
func (c *Client) GetModelName() string {
	return string(c.model)
}

// classifyError maps SDK errors onto llmerrors types, keeping the status code
// and any Retry-After hint the API sent.
func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		status := apiErr.StatusCode
		// 529 is Anthropic's "overloaded"; treat it as a server error.
		if status == 529 {
			status = http.StatusServiceUnavailable
		}
		return llmerrors.Classify(providerName, err, status, llmerrors.ParseRetryAfter(header, time.Now()))
	}
	return llmerrors.Classify(providerName, err, 0, 0)
}
