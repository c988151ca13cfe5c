package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Providers, 4)
	assert.Len(t, cfg.Roles, 5)
	assert.Equal(t, 5, cfg.Orchestration.MaxParallelTasks)
	assert.Equal(t, 300*time.Second, cfg.Orchestration.TaskTimeout)
	assert.Equal(t, 60*time.Second, cfg.Resilience.Circuit.ResetTimeout)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
orchestration:
  max_parallel_tasks: 8
  task_timeout: 90s
  fail_fast: true
resilience:
  circuit:
    failure_threshold: 3
    reset_timeout: 15s
context_store:
  driver: sqlite
  path: /tmp/taskmesh.db
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Orchestration.MaxParallelTasks)
	assert.Equal(t, 90*time.Second, cfg.Orchestration.TaskTimeout)
	assert.True(t, cfg.Orchestration.FailFast)
	assert.Equal(t, 3, cfg.Orchestration.MaxRetries, "unset keys keep defaults")
	assert.Equal(t, 3, cfg.Resilience.Circuit.FailureThreshold)
	assert.Equal(t, 15*time.Second, cfg.Resilience.Circuit.ResetTimeout)
	assert.Equal(t, 1, cfg.Resilience.Circuit.HalfOpenMaxAttempts)
	assert.Equal(t, StoreSQLite, cfg.ContextStore.Driver)
	assert.Len(t, cfg.Roles, 5, "routes default when the file omits them")
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "orchestration:\n  max_retries: 1\n")
	t.Setenv("TASKMESH_ORCHESTRATION_MAX_RETRIES", "6")
	t.Setenv("TASKMESH_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Orchestration.MaxRetries)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadCustomRoutes(t *testing.T) {
	path := writeConfig(t, `
providers:
  local:
    type: ollama
    base_url: http://gpu-box:11434
roles:
  general:   {primary: {provider: local, model: llama3.1}}
  ui:        {primary: {provider: local, model: llama3.1}}
  writer:    {primary: {provider: local, model: llama3.1}}
  multimodal: {primary: {provider: local, model: llama3.1}}
  research:  {primary: {provider: local, model: qwen2.5-coder:32b}}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:11434", cfg.Providers["local"].BaseURL)
	assert.Equal(t, "qwen2.5-coder:32b", cfg.Roles["research"].Primary.Model)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider type", func(c *Config) { c.Providers["x"] = ProviderConfig{Type: "cohere"} }},
		{"undefined provider", func(c *Config) {
			r := c.Roles["ui"]
			r.Primary.Provider = "nope"
			c.Roles["ui"] = r
		}},
		{"model provider mismatch", func(c *Config) {
			r := c.Roles["writer"]
			r.Primary.Model = "claude-sonnet-4-5"
			c.Roles["writer"] = r
		}},
		{"missing role route", func(c *Config) { delete(c.Roles, "multimodal") }},
		{"unknown role", func(c *Config) { c.Roles["wizard"] = c.Roles["general"] }},
		{"parallelism", func(c *Config) { c.Orchestration.MaxParallelTasks = 0 }},
		{"confidence", func(c *Config) { c.Orchestration.MinConfidence = 1.5 }},
		{"breaker", func(c *Config) { c.Resilience.Circuit.FailureThreshold = 0 }},
		{"sqlite path", func(c *Config) { c.ContextStore.Driver = StoreSQLite }},
		{"summary role", func(c *Config) { c.SummaryRole = "nobody" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestModelProvider(t *testing.T) {
	p, ok := ModelProvider("gpt-5")
	assert.True(t, ok)
	assert.Equal(t, ProviderOpenAI, p)

	p, ok = ModelProvider("gemini-3-pro-preview")
	assert.True(t, ok)
	assert.Equal(t, ProviderGoogle, p)

	_, ok = ModelProvider("mystery")
	assert.False(t, ok)
}

func TestDumpRoundTripsDurations(t *testing.T) {
	out, err := Dump(Default())
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, yaml.Unmarshal(out, &generic))
	orch := generic["orchestration"].(map[string]any)
	assert.Equal(t, "5m0s", orch["task_timeout"])
}

func TestLoadCredentials(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("OPENAI_API_KEY=from-dotenv\nGOOGLE_API_KEY=g-key\n"), 0o600))

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("OPENAI_API_KEY", "")
	os.Unsetenv("OPENAI_API_KEY")
	t.Setenv("GEMINI_API_KEY", "")
	os.Unsetenv("GEMINI_API_KEY")
	t.Setenv("GOOGLE_API_KEY", "")
	os.Unsetenv("GOOGLE_API_KEY")
	t.Setenv("OLLAMA_HOST", "")
	os.Unsetenv("OLLAMA_HOST")

	creds, err := LoadCredentials(envFile, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)

	key, ok := creds.For(ProviderAnthropic)
	assert.True(t, ok)
	assert.Equal(t, "sk-ant", key)

	key, ok = creds.For(ProviderOpenAI)
	assert.True(t, ok)
	assert.Equal(t, "from-dotenv", key)

	key, ok = creds.For(ProviderGoogle)
	assert.True(t, ok)
	assert.Equal(t, "g-key", key, "GOOGLE_API_KEY is the fallback for Gemini")

	host, ok := creds.For(ProviderOllama)
	assert.True(t, ok)
	assert.Equal(t, "http://localhost:11434", host)

	_, ok = (&Credentials{}).For(ProviderAnthropic)
	assert.False(t, ok)
}
