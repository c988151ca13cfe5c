package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeForStatus(t *testing.T) {
	cases := map[int]ErrorType{
		429: ErrorTypeRateLimit,
		401: ErrorTypeAuth,
		403: ErrorTypeAuth,
		504: ErrorTypeTimeout,
		503: ErrorTypeTransient,
		500: ErrorTypeTransient,
		400: ErrorTypeBadPrompt,
		200: ErrorTypeUnknown,
	}
	for status, want := range cases {
		assert.Equal(t, want, TypeForStatus(status), "status %d", status)
	}
}

func TestTypeForMessage(t *testing.T) {
	assert.Equal(t, ErrorTypeRateLimit, TypeForMessage("Error 429: Too Many Requests"))
	assert.Equal(t, ErrorTypeAuth, TypeForMessage("invalid api key provided"))
	assert.Equal(t, ErrorTypeTimeout, TypeForMessage("request timed out"))
	assert.Equal(t, ErrorTypeTransient, TypeForMessage("upstream overloaded"))
	assert.Equal(t, ErrorTypeUnknown, TypeForMessage("something odd"))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify("openai", nil, 0, 0))

	canceled := fmt.Errorf("call: %w", context.Canceled)
	assert.Same(t, canceled, Classify("openai", canceled, 0, 0))

	err := Classify("anthropic", errors.New("boom"), 429, 7*time.Second)
	var llmErr *Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, ErrorTypeRateLimit, llmErr.Type)
	assert.Equal(t, 7*time.Second, llmErr.RetryAfterHint())
	assert.True(t, llmErr.Retryable())
	assert.Contains(t, err.Error(), "anthropic error (rate_limit)")

	deadline := Classify("google", context.DeadlineExceeded, 0, 0)
	assert.True(t, Is(deadline, ErrorTypeTimeout))

	auth := Classify("google", errors.New("403 permission_denied"), 0, 0)
	assert.Equal(t, ErrorTypeAuth, TypeOf(auth))
	require.ErrorAs(t, auth, &llmErr)
	assert.False(t, llmErr.Retryable())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	h := http.Header{}
	assert.Zero(t, ParseRetryAfter(h, now))

	h.Set("Retry-After", "12")
	assert.Equal(t, 12*time.Second, ParseRetryAfter(h, now))

	h.Set("Retry-After", now.Add(30*time.Second).Format(http.TimeFormat))
	assert.Equal(t, 30*time.Second, ParseRetryAfter(h, now))

	h = http.Header{}
	h.Set("Retry-After-Ms", "1500")
	assert.Equal(t, 1500*time.Millisecond, ParseRetryAfter(h, now))

	assert.Zero(t, ParseRetryAfter(nil, now))
}
