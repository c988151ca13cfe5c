// Package tokens estimates prompt sizes with tiktoken encodings.
package tokens

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens for one encoding.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter returns a counter for model. Every provider is approximated
// with the GPT-4 encoding; exact counts are not needed for budgeting.
func NewCounter(model string) (*Counter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &Counter{codec: codec}, nil
}

// Count returns the number of tokens in text. A nil counter or a codec error
// falls back to four characters per token.
func (c *Counter) Count(text string) int {
	if c == nil || c.codec == nil {
		return len(text) / 4
	}
	n, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// Truncate shortens text to roughly limit tokens, appending an ellipsis.
func (c *Counter) Truncate(text string, limit int) string {
	current := c.Count(text)
	if current <= limit {
		return text
	}
	if limit <= 0 {
		return ""
	}
	ratio := float64(limit) / float64(current)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "..."
}

//nolint:gochecknoglobals // shared default codec
var (
	defaultOnce    sync.Once
	defaultCounter *Counter
)

func shared() *Counter {
	defaultOnce.Do(func() {
		// a nil counter still estimates by length
		defaultCounter, _ = NewCounter("gpt-4")
	})
	return defaultCounter
}

// Count estimates tokens with the shared default encoding.
func Count(text string) int {
	return shared().Count(text)
}

// Truncate shortens text with the shared default encoding.
func Truncate(text string, limit int) string {
	return shared().Truncate(text, limit)
}
