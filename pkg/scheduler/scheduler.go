// Package scheduler executes a task graph level by level with bounded
// parallelism, per-task deadlines, retries and failure containment.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"taskmesh/pkg/contextstore"
	"taskmesh/pkg/dag"
	"taskmesh/pkg/logx"
	"taskmesh/pkg/metrics"
	"taskmesh/pkg/resilience/retry"
	"taskmesh/pkg/task"
	"taskmesh/pkg/worker"
)

// Config controls execution.
type Config struct {
	MaxParallel       int
	TaskTimeout       time.Duration
	MaxRetries        int
	FailFast          bool
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	// ResetTimeoutPerAttempt gives every attempt a fresh TaskTimeout instead
	// of sharing one deadline across retries.
	ResetTimeoutPerAttempt bool
}

// DefaultConfig returns the default execution settings.
func DefaultConfig() Config {
	return Config{
		MaxParallel:       5,
		TaskTimeout:       300 * time.Second,
		MaxRetries:        3,
		RetryInitialDelay: time.Second,
		RetryMaxDelay:     30 * time.Second,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	switch {
	case c.MaxParallel < 1:
		return fmt.Errorf("max parallel must be at least 1, got %d", c.MaxParallel)
	case c.TaskTimeout <= 0:
		return fmt.Errorf("task timeout must be positive, got %s", c.TaskTimeout)
	case c.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	case c.RetryInitialDelay < 0 || c.RetryMaxDelay < 0:
		return errors.New("retry delays must not be negative")
	}
	return nil
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithContextStore publishes successful results to store under sessionID.
// An empty sessionID publishes to the global scope.
func WithContextStore(store contextstore.Store, sessionID string, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.store = store
		s.sessionID = sessionID
		s.ttl = ttl
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *Scheduler) { s.recorder = metrics.OrNop(r) }
}

// WithSleep replaces the wait between retries.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

// Scheduler runs DAGs through a Worker.
//
//nolint:govet // logical grouping
type Scheduler struct {
	worker   worker.Worker
	cfg      Config
	recorder metrics.Recorder
	logger   *logx.Logger
	sleep    func(context.Context, time.Duration) error

	store     contextstore.Store
	sessionID string
	ttl       time.Duration
}

// New creates a scheduler. Zero or negative fields in cfg take their
// defaults.
func New(w worker.Worker, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = def.MaxParallel
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = def.RetryInitialDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = def.RetryMaxDelay
	}

	s := &Scheduler{
		worker:   w,
		cfg:      cfg,
		recorder: metrics.Nop{},
		logger:   logx.NewLogger("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective settings.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// run is the state shared by one Execute call.
type run struct {
	graph   *dag.DAG
	results map[string]*task.ExecutionResult

	mu          sync.Mutex
	failFastBy  string
	failFastSet bool
}

func (r *run) triggerFailFast(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.failFastSet {
		r.failFastSet = true
		r.failFastBy = id
	}
}

func (r *run) failFastCause() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failFastBy, r.failFastSet
}

// Execute runs every node of d and returns one result per node in input
// order. The only error is an invalid graph; task failures are reported in
// the results.
func (s *Scheduler) Execute(ctx context.Context, d *dag.DAG) ([]task.ExecutionResult, error) {
	if d == nil {
		return nil, &dag.ValidationError{Reason: "graph is nil"}
	}
	if err := d.Err(); err != nil {
		return nil, err
	}

	r := &run{graph: d, results: make(map[string]*task.ExecutionResult, len(d.Nodes))}
	for _, id := range d.Order() {
		n := d.Node(id)
		r.results[id] = &task.ExecutionResult{
			TaskID:      id,
			Description: n.Task.Description,
			Role:        n.Assignment.Role,
			Status:      task.StatusPending,
		}
	}

	s.logger.Info("executing %d tasks in %d levels (max parallel %d)", len(d.Nodes), d.LevelCount, s.cfg.MaxParallel)
	for level, ids := range d.Levels {
		p := pool.New().WithMaxGoroutines(s.cfg.MaxParallel)
		for _, id := range ids {
			node := d.Node(id)
			res := r.results[id]
			p.Go(func() {
				s.runNode(ctx, r, node, res)
			})
		}
		p.Wait()
		logx.Debug(ctx, "scheduler", "level %d complete (%d tasks)", level, len(ids))
	}

	out := make([]task.ExecutionResult, 0, len(r.results))
	for _, id := range d.Order() {
		out = append(out, *r.results[id])
	}
	return out, nil
}

// runNode owns node and res for the duration of the call.
func (s *Scheduler) runNode(ctx context.Context, r *run, node *dag.Node, res *task.ExecutionResult) {
	if reason := s.skipReason(ctx, r, node); reason != "" {
		res.Status = task.StatusSkipped
		res.SkipReason = reason
		node.Status = task.StatusSkipped
		s.logger.Info("task %s %s", node.Task.ID, reason)
		s.recorder.ObserveTask(string(res.Role), string(res.Status), 0, 0)
		return
	}

	deps := make(map[string]string, len(node.Dependencies))
	for _, dep := range node.Dependencies {
		deps[dep] = r.results[dep].Result
	}

	res.StartedAt = time.Now()
	out, attempts := s.attempts(ctx, node, deps)
	res.CompletedAt = time.Now()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)
	res.Retries = max(attempts-1, 0)

	if out.Status == worker.StatusSuccess {
		res.Status = task.StatusSuccess
		res.Result = out.Result
		s.logger.Info("task %s succeeded in %s (%d retries)", node.Task.ID, res.Duration.Round(time.Millisecond), res.Retries)
		s.publish(ctx, node.Task.ID, out.Result)
	} else {
		res.Status = task.StatusFailure
		res.Error = failureMessage(out)
		s.logger.Warn("task %s failed after %d attempts: %s", node.Task.ID, attempts, res.Error)
		if s.cfg.FailFast {
			r.triggerFailFast(node.Task.ID)
		}
	}
	node.Status = res.Status
	s.recorder.ObserveTask(string(res.Role), string(res.Status), res.Retries, res.Duration)
}

func (s *Scheduler) skipReason(ctx context.Context, r *run, node *dag.Node) string {
	if by, ok := r.failFastCause(); ok {
		return "skipped: fail-fast triggered by failure of " + by
	}
	for _, dep := range node.Dependencies {
		if st := r.graph.Node(dep).Status; st != task.StatusSuccess {
			return fmt.Sprintf("dependency %s did not succeed (%s)", dep, st)
		}
	}
	if err := ctx.Err(); err != nil {
		return "skipped: " + err.Error()
	}
	return ""
}

// attemptError carries a worker outcome through the retry loop. It does not
// unwrap: the worker's Retryable verdict is final, including for circuit
// rejections that a single provider call would not retry.
type attemptError struct {
	out       worker.Outcome
	retryable bool
}

func (e *attemptError) Error() string { return failureMessage(e.out) }

func (s *Scheduler) policy() *retry.Policy {
	p := retry.NewPolicy(retry.Config{
		MaxRetries:       s.cfg.MaxRetries,
		InitialDelay:     s.cfg.RetryInitialDelay,
		MaxDelay:         s.cfg.RetryMaxDelay,
		Multiplier:       2,
		Jitter:           true,
		RespectRetryable: true,
	}, func(err error) bool {
		var ae *attemptError
		if errors.As(err, &ae) {
			return ae.retryable
		}
		return false
	})
	if s.sleep != nil {
		p = p.WithSleep(s.sleep)
	}
	return p
}

// attempts runs node until it succeeds, fails permanently, exhausts its
// retries or its deadline.
func (s *Scheduler) attempts(ctx context.Context, node *dag.Node, deps map[string]string) (worker.Outcome, int) {
	taskCtx := ctx
	if !s.cfg.ResetTimeoutPerAttempt {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
		defer cancel()
	}

	p := s.policy()
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.Info("task %s attempt %d failed (%v), retrying in %s", node.Task.ID, attempt, err, delay.Round(time.Millisecond))
	}

	result := retry.Try(taskCtx, p, func(ctx context.Context, _ int) (worker.Outcome, error) {
		out := s.once(ctx, node, deps)
		if out.Status == worker.StatusSuccess {
			return out, nil
		}
		return out, &attemptError{out: out, retryable: out.Retryable}
	})

	if result.Success {
		return result.Value, result.Attempts
	}

	var ae *attemptError
	out := worker.Outcome{Status: worker.StatusFailure, Err: result.Err}
	if errors.As(result.Err, &ae) {
		out = ae.out
	}
	// The shared deadline can expire during a backoff wait as well as
	// during an attempt.
	if !s.cfg.ResetTimeoutPerAttempt && ctx.Err() == nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		out.Status = worker.StatusTimeout
		out.Err = fmt.Errorf("task exceeded its %s budget after %d attempts", s.cfg.TaskTimeout, result.Attempts)
	}
	return out, result.Attempts
}

// once submits one attempt and waits for it.
func (s *Scheduler) once(ctx context.Context, node *dag.Node, deps map[string]string) worker.Outcome {
	attemptCtx := ctx
	timeout := s.cfg.TaskTimeout
	if s.cfg.ResetTimeoutPerAttempt {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
		defer cancel()
	} else if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	h, err := s.worker.Submit(attemptCtx, node.Assignment.Role, node.Task.Description, deps)
	if err != nil {
		return worker.Outcome{Status: worker.StatusFailure, Err: fmt.Errorf("submit failed: %w", err)}
	}
	out := s.worker.Await(attemptCtx, h, timeout)
	if out.Status != worker.StatusSuccess {
		s.worker.Cancel(h)
	}

	// A context deadline that fires before the worker's own timer is still a
	// timeout.
	if out.Status == worker.StatusFailure && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		out.Status = worker.StatusTimeout
	}
	if out.Status == worker.StatusTimeout {
		// Only a fresh per-attempt budget makes a timed-out attempt worth
		// repeating; a shared budget is spent.
		out.Retryable = s.cfg.ResetTimeoutPerAttempt
	}
	return out
}

func failureMessage(out worker.Outcome) string {
	msg := "unknown error"
	if out.Err != nil {
		msg = out.Err.Error()
	}
	if out.Status == worker.StatusTimeout {
		return "timeout: " + msg
	}
	return msg
}

func (s *Scheduler) publish(ctx context.Context, taskID, result string) {
	if s.store == nil {
		return
	}
	scope := contextstore.ScopeSession
	if s.sessionID == "" {
		scope = contextstore.ScopeGlobal
	}
	if err := s.store.Set(ctx, contextstore.TaskResultKey(taskID), result, scope, s.sessionID, s.ttl); err != nil {
		s.logger.Warn("failed to publish result of %s to context store: %v", taskID, err)
	}
}
