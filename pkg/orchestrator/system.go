package orchestrator

import (
	"errors"
	"fmt"

	"taskmesh/pkg/aggregate"
	"taskmesh/pkg/capability"
	"taskmesh/pkg/config"
	"taskmesh/pkg/contextstore"
	"taskmesh/pkg/decompose"
	"taskmesh/pkg/dispatch"
	"taskmesh/pkg/health"
	"taskmesh/pkg/metrics"
	"taskmesh/pkg/providers"
	"taskmesh/pkg/resilience/retry"
	"taskmesh/pkg/task"
	"taskmesh/pkg/worker"
)

// System is a fully wired orchestrator plus the shared components the CLI
// and HTTP server expose.
//
//nolint:govet // logical grouping
type System struct {
	Config       *config.Config
	Orchestrator *Orchestrator
	Dispatcher   *dispatch.Dispatcher
	Monitor      *health.Monitor
	Registry     *providers.Registry
	Store        contextstore.Store
	Metrics      *metrics.PrometheusRecorder
}

// Build wires every component from cfg. registryOpts customize provider
// client construction.
func Build(cfg *config.Config, creds *config.Credentials, registryOpts ...providers.Option) (*System, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rec := metrics.NewPrometheusRecorder()

	monitor, err := health.NewMonitor(health.Config{
		Breaker:           cfg.Resilience.Circuit,
		RateLimitCooldown: cfg.Resilience.RateLimitCooldown,
	}, health.WithRecorder(rec))
	if err != nil {
		return nil, fmt.Errorf("health monitor: %w", err)
	}

	opts := append([]providers.Option{
		providers.WithRequestTimeout(cfg.Resilience.RequestTimeout),
		providers.WithRecorder(rec),
	}, registryOpts...)
	registry := providers.NewRegistry(cfg.Providers, creds, opts...)

	dispatcher := dispatch.New(dispatch.RoutesFromConfig(cfg.Roles), registry, monitor,
		dispatch.WithRetryPolicy(retry.NewPolicy(cfg.Resilience.Retry, dispatch.Retryable)),
		dispatch.WithRecorder(rec),
	)

	store, err := contextstore.Open(cfg.ContextStore)
	if err != nil {
		return nil, fmt.Errorf("context store: %w", err)
	}

	orch := New(
		decompose.New(dispatcher, decompose.WithRole(task.Role(cfg.ReasoningRole))),
		capability.NewSelector(),
		worker.NewLocal(dispatcher),
		aggregate.New(dispatcher, aggregate.WithRole(task.Role(cfg.SummaryRole))),
		WithContextStore(store, cfg.ContextStore.TTL),
		WithRecorder(rec),
	)

	return &System{
		Config:       cfg,
		Orchestrator: orch,
		Dispatcher:   dispatcher,
		Monitor:      monitor,
		Registry:     registry,
		Store:        store,
		Metrics:      rec,
	}, nil
}

// DefaultRunConfig returns per-call settings from the file configuration.
func (s *System) DefaultRunConfig() Config {
	return ConfigFrom(s.Config.Orchestration)
}

// Close releases the context store.
func (s *System) Close() error {
	if s.Store == nil {
		return nil
	}
	return s.Store.Close()
}
