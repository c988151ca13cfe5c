package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Credentials are read from the environment, optionally seeded from .env files.
type Credentials struct {
	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY"`
	GeminiAPIKey    string `envconfig:"GEMINI_API_KEY"`
	GoogleAPIKey    string `envconfig:"GOOGLE_API_KEY"`
	OllamaHost      string `envconfig:"OLLAMA_HOST" default:"http://localhost:11434"`
}

// LoadCredentials loads the given .env files (missing files are ignored; values
// already in the environment win) and then reads credentials.
func LoadCredentials(dotenvFiles ...string) (*Credentials, error) {
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}
	var c Credentials
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	return &c, nil
}

// For returns the credential for a provider type. For Ollama it is the host URL,
// which always has a value.
func (c *Credentials) For(providerType string) (string, bool) {
	if c == nil {
		return "", false
	}
	var v string
	switch providerType {
	case ProviderAnthropic:
		v = c.AnthropicAPIKey
	case ProviderOpenAI:
		v = c.OpenAIAPIKey
	case ProviderGoogle:
		v = c.GeminiAPIKey
		if v == "" {
			v = c.GoogleAPIKey
		}
	case ProviderOllama:
		v = c.OllamaHost
	}
	return v, v != ""
}
