// Package llmerrors classifies provider failures so retry, health and
// fallback logic can act on them without knowing which SDK produced them.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorType represents different categories of provider errors.
type ErrorType int8

const (
	// Retryable error types.

	// ErrorTypeRateLimit represents rate limiting errors (429, quota exceeded).
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient represents 5xx, EOF, connection resets.
	ErrorTypeTransient
	// ErrorTypeTimeout represents per-request deadlines hit while the caller is still waiting.
	ErrorTypeTimeout
	// ErrorTypeEmptyResponse represents HTTP 200 with no content.
	ErrorTypeEmptyResponse

	// Non-retryable error types.

	// ErrorTypeAuth represents 401/403 or a missing or invalid API key.
	ErrorTypeAuth
	// ErrorTypeBadPrompt represents malformed or rejected requests.
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is the default for unclassified errors.
	ErrorTypeUnknown
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Error represents a classified provider error.
type Error struct {
	Err        error         // Wrapped underlying error
	Message    string        // Human-readable message
	Provider   string        // Provider that produced the error, if known
	Type       ErrorType     // Classified error type
	StatusCode int           // HTTP status code if applicable
	RetryAfter time.Duration // Server-provided backoff hint, zero if absent
}

func (e *Error) Error() string {
	prefix := "LLM error"
	if e.Provider != "" {
		prefix = e.Provider + " error"
	}
	if e.Message != "" {
		return fmt.Sprintf("%s (%s): %s", prefix, e.Type, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", prefix, e.Type, e.Err)
	}
	return fmt.Sprintf("%s (%s): status %d", prefix, e.Type, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error category is worth another attempt.
// Everything is retryable unless it is known to be permanent.
func (e *Error) Retryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt:
		return false
	default:
		return true
	}
}

// RetryAfterHint exposes the server backoff hint to the health monitor.
func (e *Error) RetryAfterHint() time.Duration {
	return e.RetryAfter
}

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type of err, or ErrorTypeUnknown if not classified.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{Type: errorType, StatusCode: statusCode, Message: message}
}

func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// TypeForStatus maps an HTTP status code to an error type.
func TypeForStatus(status int) ErrorType {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorTypeAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case status >= 500:
		return ErrorTypeTransient
	case status >= 400:
		return ErrorTypeBadPrompt
	default:
		return ErrorTypeUnknown
	}
}

// TypeForMessage classifies an error by its text. Used for SDKs that do not
// expose a typed status.
func TypeForMessage(msg string) ErrorType {
	s := strings.ToLower(msg)
	switch {
	case strings.Contains(s, "rate limit") || strings.Contains(s, "rate_limit") ||
		strings.Contains(s, "429") || strings.Contains(s, "quota") ||
		strings.Contains(s, "resource_exhausted") || strings.Contains(s, "too many requests"):
		return ErrorTypeRateLimit
	case strings.Contains(s, "401") || strings.Contains(s, "403") ||
		strings.Contains(s, "unauthorized") || strings.Contains(s, "api key") ||
		strings.Contains(s, "permission_denied") || strings.Contains(s, "authentication"):
		return ErrorTypeAuth
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded") ||
		strings.Contains(s, "timed out"):
		return ErrorTypeTimeout
	case strings.Contains(s, "500") || strings.Contains(s, "502") ||
		strings.Contains(s, "503") || strings.Contains(s, "504") ||
		strings.Contains(s, "529") || strings.Contains(s, "overloaded") ||
		strings.Contains(s, "unavailable") || strings.Contains(s, "connection reset") ||
		strings.Contains(s, "connection refused") || strings.Contains(s, "eof"):
		return ErrorTypeTransient
	case strings.Contains(s, "400") || strings.Contains(s, "invalid") ||
		strings.Contains(s, "too long") || strings.Contains(s, "context length"):
		return ErrorTypeBadPrompt
	default:
		return ErrorTypeUnknown
	}
}

// Classify wraps a raw SDK error. A status of zero falls back to message
// heuristics. Context cancellation is returned unchanged.
func Classify(provider string, err error, status int, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}

	errType := TypeForMessage(err.Error())
	if status != 0 {
		errType = TypeForStatus(status)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		errType = ErrorTypeTimeout
	}
	return &Error{
		Err:        err,
		Provider:   provider,
		Type:       errType,
		StatusCode: status,
		RetryAfter: retryAfter,
	}
}

// ParseRetryAfter reads a Retry-After header value (delta-seconds or HTTP date).
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	if h == nil {
		return 0
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		if ms := h.Get("Retry-After-Ms"); ms != "" {
			if n, err := strconv.ParseFloat(ms, 64); err == nil && n > 0 {
				return time.Duration(n * float64(time.Millisecond))
			}
		}
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
