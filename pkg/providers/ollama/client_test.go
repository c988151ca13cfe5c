package ollama

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmesh/pkg/llm"
	"taskmesh/pkg/llmerrors"
)

func TestNewClientWithModel(t *testing.T) {
	tests := []struct {
		name     string
		hostURL  string
		wantHost string
	}{
		{"valid host", "http://localhost:11434", "http://localhost:11434"},
		{"custom host", "http://192.168.1.100:11434", "http://192.168.1.100:11434"},
		{"invalid URL falls back to default", "not-a-valid-url", defaultHost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClientWithModel(tt.hostURL, "llama3.1")
			require.NotNil(t, client)
			assert.Equal(t, "llama3.1", client.GetModelName())
			assert.Equal(t, tt.wantHost, client.Host())
		})
	}
}

func TestStopReason(t *testing.T) {
	assert.Equal(t, "incomplete", stopReason(&api.ChatResponse{}))
	assert.Equal(t, "end_turn", stopReason(&api.ChatResponse{Done: true, DoneReason: "stop"}))
	assert.Equal(t, "end_turn", stopReason(&api.ChatResponse{Done: true}))
	assert.Equal(t, "max_tokens", stopReason(&api.ChatResponse{Done: true, DoneReason: "length"}))
	assert.Equal(t, "load", stopReason(&api.ChatResponse{Done: true, DoneReason: "load"}))
}

func TestCompleteAgainstFakeServer(t *testing.T) {
	var captured api.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"llama3.1","created_at":"2026-01-01T00:00:00Z",
			"message":{"role":"assistant","content":"42"},"done":true,"done_reason":"stop",
			"prompt_eval_count":17,"eval_count":2}`+"\n")
	}))
	defer srv.Close()

	client := NewClientWithModel(srv.URL, "llama3.1")
	resp, err := client.Complete(t.Context(), llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage("answer tersely"),
		llm.NewUserMessage("meaning of life?"),
	}))
	require.NoError(t, err)
	assert.Equal(t, "42", resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 17, resp.InputTokens)
	assert.Equal(t, 2, resp.OutputTokens)

	assert.Equal(t, "llama3.1", captured.Model)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	require.NotNil(t, captured.Stream)
	assert.False(t, *captured.Stream)
}

func TestCompleteModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model 'mystery' not found"}`)
	}))
	defer srv.Close()

	_, err := NewClientWithModel(srv.URL, "mystery").Complete(t.Context(), llm.NewPromptRequest("hi"))
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt), "%v", err)
}

func TestCompleteServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewClientWithModel(addr, "llama3.1").Complete(t.Context(), llm.NewPromptRequest("hi"))
	require.Error(t, err)
	var llmErr *llmerrors.Error
	require.ErrorAs(t, err, &llmErr)
	assert.True(t, llmErr.Retryable())
}

func TestCompleteEmptyMessages(t *testing.T) {
	_, err := NewClientWithModel(defaultHost, "llama3.1").Complete(t.Context(), llm.CompletionRequest{})
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt))
}
