package google

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"taskmesh/pkg/llm"
	"taskmesh/pkg/llmerrors"
)

func TestConvertMessages(t *testing.T) {
	contents, err := convertMessages([]llm.CompletionMessage{
		llm.NewUserMessage("q"),
		{Role: llm.RoleAssistant, Content: "a"},
		llm.NewUserMessage(""),
		llm.NewUserMessage("q2"),
	})
	require.NoError(t, err)
	require.Len(t, contents, 3)
	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	assert.Equal(t, "q2", contents[2].Parts[0].Text)

	_, err = convertMessages(nil)
	assert.Error(t, err)

	_, err = convertMessages([]llm.CompletionMessage{{Role: "tool", Content: "x"}})
	assert.Error(t, err)
}

func TestCompleteAgainstFakeAPI(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/gemini-2.5-flash:generateContent"), r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"candidates": [{
				"content": {"role": "model", "parts": [{"text": "Screenshot shows a login form."}]},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 9, "candidatesTokenCount": 6, "totalTokenCount": 15}
		}`)
	}))
	defer srv.Close()

	client := NewClientWithModel("g-key", "gemini-2.5-flash", srv.URL)
	assert.Equal(t, "gemini-2.5-flash", client.GetModelName())

	resp, err := client.Complete(t.Context(), llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage("describe images"),
		llm.NewUserMessage("what is on the screenshot?"),
	}))
	require.NoError(t, err)
	assert.Equal(t, "Screenshot shows a login form.", resp.Content)
	assert.Equal(t, "STOP", resp.StopReason)
	assert.Equal(t, 9, resp.InputTokens)
	assert.Equal(t, 6, resp.OutputTokens)

	assert.Contains(t, captured, "systemInstruction")
	assert.Len(t, captured["contents"], 1)
}

func TestCompleteClassifiesQuotaErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	_, err := NewClientWithModel("g-key", "gemini-2.5-pro", srv.URL).Complete(t.Context(), llm.NewPromptRequest("hi"))
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeRateLimit), "%v", err)
}

func TestCompleteEmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates": []}`)
	}))
	defer srv.Close()

	_, err := NewClientWithModel("g-key", "gemini-2.5-pro", srv.URL).Complete(t.Context(), llm.NewPromptRequest("hi"))
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse), "%v", err)
}
