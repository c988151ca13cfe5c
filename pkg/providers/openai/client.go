// Package openai provides the OpenAI client for the llm interface using the
// official Go SDK and the Responses API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"taskmesh/pkg/config"
	"taskmesh/pkg/llm"
	"taskmesh/pkg/llmerrors"
)

const providerName = "openai"

// Client wraps the official OpenAI client.
//
//nolint:govet // simple struct
type Client struct {
	client openai.Client
	model  string
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
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// renderInput flattens the non-system conversation into the single input
// string the Responses API accepts.
func renderInput(messages []llm.CompletionMessage) string {
	var b strings.Builder
	for _, msg := range messages {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if msg.Role == llm.RoleAssistant {
			b.WriteString("Assistant: ")
		}
		b.WriteString(msg.Content)
	}
	return b.String()
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	instructions, rest := in.SplitSystem()
	if len(rest) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "request has no user input")
	}

	// Cap max tokens to the model's limit to avoid 400s.
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	if info, ok := config.KnownModels[o.model]; ok && info.MaxOutputTokens > 0 && maxTokens > info.MaxOutputTokens {
		maxTokens = info.MaxOutputTokens
	}

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(renderInput(rest))},
	}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}
	// Reasoning models reject temperature.
	if !strings.HasPrefix(o.model, "gpt-5") && !strings.HasPrefix(o.model, "o") {
		params.Temperature = openai.Float(float64(in.Temperature))
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}

	content := resp.OutputText()
	if strings.TrimSpace(content) == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse,
			fmt.Sprintf("OpenAI response %s contained no output text", resp.ID))
	}

	return llm.CompletionResponse{
		Content:      content,
		StopReason:   string(resp.Status),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// GetModelName returns the model name for this client.
func (o *Client) GetModelName() string {
	return o.model
}

func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return llmerrors.Classify(providerName, err, apiErr.StatusCode, llmerrors.ParseRetryAfter(header, time.Now()))
	}
	return llmerrors.Classify(providerName, err, 0, 0)
}
