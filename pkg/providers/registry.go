// Package providers builds provider clients from configuration and reports
// which providers have credentials.
package providers

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"taskmesh/pkg/config"
	"taskmesh/pkg/llm"
	"taskmesh/pkg/logx"
	"taskmesh/pkg/metrics"
	"taskmesh/pkg/providers/anthropic"
	"taskmesh/pkg/providers/google"
	"taskmesh/pkg/providers/ollama"
	"taskmesh/pkg/providers/openai"
	"taskmesh/pkg/resilience/ratelimit"
	"taskmesh/pkg/resilience/timeout"
)

// Builder creates a raw client for one model. credential is the API key, or
// the host URL for local providers.
type Builder func(cfg config.ProviderConfig, credential, model string) (llm.LLMClient, error)

// DefaultBuilders maps provider types to their SDK clients.
func DefaultBuilders() map[string]Builder {
	return map[string]Builder{
		config.ProviderAnthropic: func(cfg config.ProviderConfig, key, model string) (llm.LLMClient, error) {
			return anthropic.NewClientWithModel(key, model, cfg.BaseURL), nil
		},
		config.ProviderOpenAI: func(cfg config.ProviderConfig, key, model string) (llm.LLMClient, error) {
			return openai.NewClientWithModel(key, model, cfg.BaseURL), nil
		},
		config.ProviderGoogle: func(cfg config.ProviderConfig, key, model string) (llm.LLMClient, error) {
			return google.NewClientWithModel(key, model, cfg.BaseURL), nil
		},
		config.ProviderOllama: func(cfg config.ProviderConfig, host, model string) (llm.LLMClient, error) {
			if cfg.BaseURL != "" {
				host = cfg.BaseURL
			}
			return ollama.NewClientWithModel(host, model), nil
		},
	}
}

// Registry resolves provider names to configured, middleware-wrapped clients.
// Clients and limiters are cached; limiters are shared by every model of a
// provider.
//
//nolint:govet // logical grouping
type Registry struct {
	providers      map[string]config.ProviderConfig
	creds          *config.Credentials
	builders       map[string]Builder
	requestTimeout time.Duration
	recorder       metrics.Recorder
	logger         *logx.Logger

	mu       sync.Mutex
	clients  map[string]llm.LLMClient
	limiters map[string]*ratelimit.TokenBucketLimiter
}

// Option configures a Registry.
type Option func(*Registry)

// WithRequestTimeout bounds each provider call.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Registry) { r.requestTimeout = d }
}

// WithRecorder routes throttle metrics to rec.
func WithRecorder(rec metrics.Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// WithBuilder overrides the client builder for a provider type.
func WithBuilder(providerType string, b Builder) Option {
	return func(r *Registry) { r.builders[providerType] = b }
}

// NewRegistry creates a registry. creds may be nil, in which case no provider
// is available.
func NewRegistry(providers map[string]config.ProviderConfig, creds *config.Credentials, opts ...Option) *Registry {
	if creds == nil {
		creds = &config.Credentials{}
	}
	r := &Registry{
		providers: providers,
		creds:     creds,
		builders:  DefaultBuilders(),
		recorder:  metrics.Nop{},
		logger:    logx.NewLogger("providers"),
		clients:   make(map[string]llm.LLMClient),
		limiters:  make(map[string]*ratelimit.TokenBucketLimiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.recorder = metrics.OrNop(r.recorder)
	return r
}

// Available reports whether provider is configured and has a credential.
func (r *Registry) Available(provider string) bool {
	cfg, ok := r.providers[provider]
	if !ok {
		return false
	}
	_, ok = r.creds.For(cfg.Type)
	return ok
}

// Client returns the cached client for provider/model, building it on first use.
func (r *Registry) Client(provider, model string) (llm.LLMClient, error) {
	key := provider + "/" + model

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c, nil
	}

	cfg, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", provider)
	}
	credential, ok := r.creds.For(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("provider %q has no credential for type %s", provider, cfg.Type)
	}
	build, ok := r.builders[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("provider %q has unsupported type %q", provider, cfg.Type)
	}

	raw, err := build(cfg, credential, model)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client for %s: %w", provider, model, err)
	}

	// Rate limiting sits outside the timeout so queueing does not eat the
	// request budget.
	middlewares := []llm.Middleware{}
	if cfg.RateLimit.TokensPerMinute > 0 || cfg.RateLimit.MaxConcurrency > 0 {
		middlewares = append(middlewares, ratelimit.Middleware(r.limiterLocked(provider, cfg.RateLimit), nil, r.recorder))
	}
	middlewares = append(middlewares, timeout.Middleware(r.requestTimeout))

	client := llm.Chain(raw, middlewares...)
	r.clients[key] = client
	r.logger.Debug("created client %s (type %s, timeout %s)", key, cfg.Type, r.requestTimeout)
	return client, nil
}

func (r *Registry) limiterLocked(provider string, cfg ratelimit.Config) *ratelimit.TokenBucketLimiter {
	if l, ok := r.limiters[provider]; ok {
		return l
	}
	l := ratelimit.NewTokenBucketLimiter(provider, cfg)
	r.limiters[provider] = l
	return l
}

// LimiterStats returns a snapshot of every limiter created so far, sorted by provider.
func (r *Registry) LimiterStats() []ratelimit.Stats {
	r.mu.Lock()
	limiters := make([]*ratelimit.TokenBucketLimiter, 0, len(r.limiters))
	for _, l := range r.limiters {
		limiters = append(limiters, l)
	}
	r.mu.Unlock()

	stats := make([]ratelimit.Stats, 0, len(limiters))
	for _, l := range limiters {
		stats = append(stats, l.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Provider < stats[j].Provider })
	return stats
}

// Names returns configured provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
