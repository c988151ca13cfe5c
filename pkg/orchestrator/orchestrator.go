// Package orchestrator runs the whole pipeline for one goal: decomposition,
// role selection, graph construction, scheduling and aggregation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskmesh/pkg/capability"
	"taskmesh/pkg/config"
	"taskmesh/pkg/contextstore"
	"taskmesh/pkg/dag"
	"taskmesh/pkg/decompose"
	"taskmesh/pkg/logx"
	"taskmesh/pkg/metrics"
	"taskmesh/pkg/scheduler"
	"taskmesh/pkg/task"
	"taskmesh/pkg/worker"
)

// ErrInvalidConfig wraps every Config validation failure.
var ErrInvalidConfig = errors.New("invalid orchestration config")

// Config holds per-call execution settings.
type Config struct {
	MaxParallelTasks int     `json:"maxParallelTasks"`
	TaskTimeoutMS    int64   `json:"taskTimeout"`
	MaxRetries       int     `json:"maxRetries"`
	FailFast         bool    `json:"failFast"`
	MinConfidence    float64 `json:"minConfidence"`
}

// DefaultConfig returns the default per-call settings.
func DefaultConfig() Config {
	return Config{
		MaxParallelTasks: 5,
		TaskTimeoutMS:    300000,
		MaxRetries:       3,
	}
}

// ConfigFrom converts file configuration into per-call settings.
func ConfigFrom(oc config.OrchestrationConfig) Config {
	return Config{
		MaxParallelTasks: oc.MaxParallelTasks,
		TaskTimeoutMS:    oc.TaskTimeout.Milliseconds(),
		MaxRetries:       oc.MaxRetries,
		FailFast:         oc.FailFast,
		MinConfidence:    oc.MinConfidence,
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	switch {
	case c.MaxParallelTasks < 1:
		return fmt.Errorf("%w: maxParallelTasks must be at least 1, got %d", ErrInvalidConfig, c.MaxParallelTasks)
	case c.TaskTimeoutMS <= 0:
		return fmt.Errorf("%w: taskTimeout must be positive, got %d", ErrInvalidConfig, c.TaskTimeoutMS)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: maxRetries must not be negative, got %d", ErrInvalidConfig, c.MaxRetries)
	case c.MinConfidence < 0 || c.MinConfidence > 1:
		return fmt.Errorf("%w: minConfidence must be within [0, 1], got %g", ErrInvalidConfig, c.MinConfidence)
	}
	return nil
}

// TaskTimeout returns the per-task timeout as a duration.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMS) * time.Millisecond
}

// Decomposer breaks a goal into tasks.
type Decomposer interface {
	Decompose(ctx context.Context, goal string) (*decompose.Result, error)
}

// Aggregator produces the final report.
type Aggregator interface {
	Aggregate(ctx context.Context, goal string, results []task.ExecutionResult) *task.AggregatedResult
}

// Orchestrator wires the pipeline stages together.
//
//nolint:govet // logical grouping
type Orchestrator struct {
	decomposer Decomposer
	selector   *capability.Selector
	worker     worker.Worker
	aggregator Aggregator

	store    contextstore.Store
	storeTTL time.Duration
	recorder metrics.Recorder
	newID    func() string
	sleep    func(context.Context, time.Duration) error
	logger   *logx.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithContextStore shares task results through store.
func WithContextStore(store contextstore.Store, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.store = store
		o.storeTTL = ttl
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = metrics.OrNop(r) }
}

// WithSessionIDs replaces the session id generator.
func WithSessionIDs(gen func() string) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

// WithRetrySleep replaces the scheduler's wait between task retries.
func WithRetrySleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New creates an orchestrator from its stages.
func New(d Decomposer, s *capability.Selector, w worker.Worker, a Aggregator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		decomposer: d,
		selector:   s,
		worker:     w,
		aggregator: a,
		recorder:   metrics.Nop{},
		newID:      uuid.NewString,
		logger:     logx.NewLogger("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Orchestrate runs goal end to end. Errors are limited to an invalid cfg
// (ErrInvalidConfig), a failed decomposition (*decompose.Error) and an
// unusable graph (*dag.ValidationError); task failures are reported inside
// the result.
func (o *Orchestrator) Orchestrate(ctx context.Context, goal string, cfg Config) (*task.AggregatedResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	goal = strings.TrimSpace(goal)
	start := time.Now()
	sessionID := o.newID()
	o.logger.Info("session %s: orchestrating goal %q", sessionID, preview(goal))

	decomposed, err := o.decomposer.Decompose(ctx, goal)
	if err != nil {
		o.recorder.ObserveOrchestration("decomposition_failed", 0, time.Since(start))
		return nil, err
	}
	if err := decomposed.Err(); err != nil {
		o.recorder.ObserveOrchestration("decomposition_failed", 0, time.Since(start))
		return nil, err
	}

	assignments := o.selector.SelectAll(decomposed.Tasks, cfg.MinConfidence)
	for i := range assignments {
		a := &assignments[i]
		logx.Debug(ctx, "orchestrator", "task %s -> %s (%.2f): %s", a.Task.ID, a.Role, a.Confidence, a.Reasoning)
	}

	graph := dag.Build(assignments)
	if err := graph.Err(); err != nil {
		o.recorder.ObserveOrchestration("invalid_graph", len(assignments), time.Since(start))
		return nil, err
	}

	schedOpts := []scheduler.Option{scheduler.WithRecorder(o.recorder)}
	if o.store != nil {
		schedOpts = append(schedOpts, scheduler.WithContextStore(o.store, sessionID, o.storeTTL))
	}
	if o.sleep != nil {
		schedOpts = append(schedOpts, scheduler.WithSleep(o.sleep))
	}
	sched := scheduler.New(o.worker, scheduler.Config{
		MaxParallel:       cfg.MaxParallelTasks,
		TaskTimeout:       cfg.TaskTimeout(),
		MaxRetries:        cfg.MaxRetries,
		FailFast:          cfg.FailFast,
		RetryInitialDelay: scheduler.DefaultConfig().RetryInitialDelay,
		RetryMaxDelay:     scheduler.DefaultConfig().RetryMaxDelay,
	}, schedOpts...)

	results, err := sched.Execute(ctx, graph)
	if err != nil {
		return nil, err
	}

	report := o.aggregator.Aggregate(ctx, goal, results)
	report.SessionID = sessionID
	o.publishSummary(ctx, sessionID, report.Summary)

	status := outcome(report.Statistics)
	o.recorder.ObserveOrchestration(status, report.Statistics.Total, time.Since(start))
	o.logger.Info("session %s: %s (%d/%d succeeded) in %s", sessionID, status,
		report.Statistics.Success, report.Statistics.Total, time.Since(start).Round(time.Millisecond))
	return report, nil
}

func outcome(st task.Statistics) string {
	switch {
	case st.Success == st.Total:
		return "success"
	case st.Success == 0:
		return "failure"
	default:
		return "partial"
	}
}

func (o *Orchestrator) publishSummary(ctx context.Context, sessionID, summary string) {
	if o.store == nil {
		return
	}
	if err := o.store.Set(ctx, contextstore.SummaryKey, summary, contextstore.ScopeSession, sessionID, o.storeTTL); err != nil {
		o.logger.Warn("session %s: failed to publish summary: %v", sessionID, err)
	}
}

func preview(s string) string {
	const limit = 120
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
