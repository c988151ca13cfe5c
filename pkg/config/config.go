// Package config loads and validates taskmesh configuration: provider
// definitions, role routes, resilience settings and orchestration defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taskmesh/pkg/resilience/circuit"
	"taskmesh/pkg/resilience/ratelimit"
	"taskmesh/pkg/resilience/retry"
	"taskmesh/pkg/task"
)

// Provider types understood by the client factory.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Context store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full application configuration.
type Config struct {
	Providers     map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Roles         map[string]RouteConfig    `mapstructure:"roles" yaml:"roles"`
	ReasoningRole string                    `mapstructure:"reasoning_role" yaml:"reasoning_role"`
	SummaryRole   string                    `mapstructure:"summary_role" yaml:"summary_role"`
	Resilience    ResilienceConfig          `mapstructure:"resilience" yaml:"resilience"`
	Orchestration OrchestrationConfig       `mapstructure:"orchestration" yaml:"orchestration"`
	ContextStore  ContextStoreConfig        `mapstructure:"context_store" yaml:"context_store"`
	Logging       LoggingConfig             `mapstructure:"logging" yaml:"logging"`
	Server        ServerConfig              `mapstructure:"server" yaml:"server"`
}

// ProviderConfig describes one named provider endpoint.
type ProviderConfig struct {
	Type      string           `mapstructure:"type" yaml:"type"`
	BaseURL   string           `mapstructure:"base_url" yaml:"base_url,omitempty"`
	RateLimit ratelimit.Config `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// TargetConfig is one provider/model pair in a route.
type TargetConfig struct {
	Provider       string `mapstructure:"provider" yaml:"provider"`
	Model          string `mapstructure:"model" yaml:"model"`
	SecondaryModel string `mapstructure:"secondary_model" yaml:"secondary_model,omitempty"`
}

// RouteConfig is the ordered fallback chain for one role.
type RouteConfig struct {
	Primary   TargetConfig   `mapstructure:"primary" yaml:"primary"`
	Fallbacks []TargetConfig `mapstructure:"fallbacks" yaml:"fallbacks,omitempty"`
}

// ResilienceConfig bundles breaker, retry and timeout settings.
type ResilienceConfig struct {
	Circuit           circuit.Config `mapstructure:"circuit" yaml:"circuit"`
	RateLimitCooldown time.Duration  `mapstructure:"rate_limit_cooldown" yaml:"rate_limit_cooldown"`
	Retry             retry.Config   `mapstructure:"retry" yaml:"retry"`
	RequestTimeout    time.Duration  `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// OrchestrationConfig holds defaults for Orchestrate calls that omit them.
type OrchestrationConfig struct {
	MaxParallelTasks int           `mapstructure:"max_parallel_tasks" yaml:"max_parallel_tasks"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	FailFast         bool          `mapstructure:"fail_fast" yaml:"fail_fast"`
	MinConfidence    float64       `mapstructure:"min_confidence" yaml:"min_confidence"`
}

// ContextStoreConfig selects the shared context store.
type ContextStoreConfig struct {
	Driver string        `mapstructure:"driver" yaml:"driver"`
	Path   string        `mapstructure:"path" yaml:"path,omitempty"`
	TTL    time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// LoggingConfig configures logx.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ServerConfig configures the HTTP front-end.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// ModelInfo contains static information about a known model.
type ModelInfo struct {
	Provider         string
	MaxContextTokens int
	MaxOutputTokens  int
}

// KnownModels is a static registry of models the default routes use.
// Unknown models are inferred through ProviderPatterns.
//
//nolint:gochecknoglobals // static model registry
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-5": {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 64000},
	"claude-haiku-4-5":  {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 64000},
	"claude-opus-4-1":   {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 32000},
	"gpt-5":             {Provider: ProviderOpenAI, MaxContextTokens: 400000, MaxOutputTokens: 128000},
	"gpt-5-mini":        {Provider: ProviderOpenAI, MaxContextTokens: 400000, MaxOutputTokens: 128000},
	"gpt-4o":            {Provider: ProviderOpenAI, MaxContextTokens: 128000, MaxOutputTokens: 16384},
	"o4-mini":           {Provider: ProviderOpenAI, MaxContextTokens: 200000, MaxOutputTokens: 100000},
	"gemini-2.5-pro":    {Provider: ProviderGoogle, MaxContextTokens: 1048576, MaxOutputTokens: 65536},
	"gemini-2.5-flash":  {Provider: ProviderGoogle, MaxContextTokens: 1048576, MaxOutputTokens: 65536},
	"llama3.1":          {Provider: ProviderOllama, MaxContextTokens: 128000, MaxOutputTokens: 8192},
	"qwen2.5-coder:32b": {Provider: ProviderOllama, MaxContextTokens: 32768, MaxOutputTokens: 8192},
}

// ProviderPattern infers a provider type from a model name prefix.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

//nolint:gochecknoglobals // static inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"phi", ProviderOllama},
	{"deepseek", ProviderOllama},
}

// ModelProvider returns the provider type serving model, if it can be inferred.
func ModelProvider(model string) (string, bool) {
	if info, ok := KnownModels[model]; ok {
		return info.Provider, true
	}
	for _, p := range ProviderPatterns {
		if strings.HasPrefix(model, p.Prefix) {
			return p.Provider, true
		}
	}
	return "", false
}

// DefaultProviders defines one provider per SDK.
func DefaultProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		ProviderAnthropic: {Type: ProviderAnthropic, RateLimit: ratelimit.Config{TokensPerMinute: 300000, MaxConcurrency: 5}},
		ProviderOpenAI:    {Type: ProviderOpenAI, RateLimit: ratelimit.Config{TokensPerMinute: 150000, MaxConcurrency: 5}},
		ProviderGoogle:    {Type: ProviderGoogle, RateLimit: ratelimit.Config{TokensPerMinute: 1200000, MaxConcurrency: 5}},
		ProviderOllama:    {Type: ProviderOllama, RateLimit: ratelimit.Config{MaxConcurrency: 2}},
	}
}

// DefaultRoutes maps every role to a primary target and provider fallbacks.
func DefaultRoutes() map[string]RouteConfig {
	anthropic := TargetConfig{Provider: ProviderAnthropic, Model: "claude-sonnet-4-5", SecondaryModel: "claude-haiku-4-5"}
	openai := TargetConfig{Provider: ProviderOpenAI, Model: "gpt-5", SecondaryModel: "gpt-5-mini"}
	google := TargetConfig{Provider: ProviderGoogle, Model: "gemini-2.5-pro", SecondaryModel: "gemini-2.5-flash"}
	ollama := TargetConfig{Provider: ProviderOllama, Model: "llama3.1"}

	return map[string]RouteConfig{
		string(task.RoleGeneral):    {Primary: anthropic, Fallbacks: []TargetConfig{openai, google, ollama}},
		string(task.RoleUI):         {Primary: google, Fallbacks: []TargetConfig{anthropic, openai}},
		string(task.RoleWriter):     {Primary: openai, Fallbacks: []TargetConfig{anthropic, google, ollama}},
		string(task.RoleMultimodal): {Primary: google, Fallbacks: []TargetConfig{openai, anthropic}},
		string(task.RoleResearch):   {Primary: anthropic, Fallbacks: []TargetConfig{google, openai}},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		ReasoningRole: string(task.RoleGeneral),
		SummaryRole:   string(task.RoleWriter),
		Resilience: ResilienceConfig{
			Circuit:           circuit.DefaultConfig,
			RateLimitCooldown: 60 * time.Second,
			Retry: retry.Config{
				MaxRetries:       2,
				InitialDelay:     time.Second,
				MaxDelay:         30 * time.Second,
				Multiplier:       2,
				Jitter:           true,
				RespectRetryable: true,
			},
			RequestTimeout: 120 * time.Second,
		},
		Orchestration: OrchestrationConfig{
			MaxParallelTasks: 5,
			TaskTimeout:      300 * time.Second,
			MaxRetries:       3,
		},
		ContextStore: ContextStoreConfig{Driver: StoreMemory, TTL: time.Hour},
		Logging:      LoggingConfig{Level: "info", Format: "console"},
		Server:       ServerConfig{Addr: ":8088"},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if len(cfg.Providers) == 0 {
		cfg.Providers = DefaultProviders()
	}
	if len(cfg.Roles) == 0 {
		cfg.Roles = DefaultRoutes()
	}
	for name, p := range cfg.Providers {
		if p.Type == "" {
			p.Type = name
			cfg.Providers[name] = p
		}
	}
}

// Validate checks cross-references and ranges.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	for name, p := range c.Providers {
		switch p.Type {
		case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
		default:
			bad("provider %q has unknown type %q", name, p.Type)
		}
		if p.RateLimit.TokensPerMinute < 0 || p.RateLimit.MaxConcurrency < 0 {
			bad("provider %q has negative rate limits", name)
		}
	}

	for role, route := range c.Roles {
		if !task.Role(role).Valid() {
			bad("unknown role %q", role)
		}
		targets := append([]TargetConfig{route.Primary}, route.Fallbacks...)
		for i, t := range targets {
			p, ok := c.Providers[t.Provider]
			if !ok {
				bad("role %q target %d references undefined provider %q", role, i, t.Provider)
				continue
			}
			if t.Model == "" {
				bad("role %q target %d has no model", role, i)
				continue
			}
			for _, m := range []string{t.Model, t.SecondaryModel} {
				if m == "" {
					continue
				}
				if inferred, ok := ModelProvider(m); ok && inferred != p.Type {
					bad("role %q model %q belongs to %s, not %s", role, m, inferred, p.Type)
				}
			}
		}
	}
	for _, r := range task.Roles() {
		if _, ok := c.Roles[string(r)]; !ok {
			bad("role %q has no route", r)
		}
	}
	for _, r := range []string{c.ReasoningRole, c.SummaryRole} {
		if _, ok := c.Roles[r]; !ok {
			bad("reasoning/summary role %q has no route", r)
		}
	}

	if err := c.Resilience.Circuit.Validate(); err != nil {
		bad("%v", err)
	}
	if c.Resilience.Retry.MaxRetries < 0 || c.Resilience.Retry.InitialDelay < 0 || c.Resilience.Retry.Multiplier < 0 {
		bad("retry settings must not be negative")
	}

	o := c.Orchestration
	if o.MaxParallelTasks < 1 {
		bad("max_parallel_tasks must be at least 1")
	}
	if o.TaskTimeout <= 0 {
		bad("task_timeout must be positive")
	}
	if o.MaxRetries < 0 {
		bad("max_retries must not be negative")
	}
	if o.MinConfidence < 0 || o.MinConfidence > 1 {
		bad("min_confidence must be within [0, 1]")
	}

	switch c.ContextStore.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.ContextStore.Path == "" {
			bad("sqlite context store requires a path")
		}
	default:
		bad("unknown context store driver %q", c.ContextStore.Driver)
	}

	return errors.Join(errs...)
}
