// Package dispatch routes capability roles to provider models, walking a
// fallback chain when a provider lacks credentials, is unhealthy or fails.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskmesh/pkg/config"
	"taskmesh/pkg/health"
	"taskmesh/pkg/llm"
	"taskmesh/pkg/llmerrors"
	"taskmesh/pkg/logx"
	"taskmesh/pkg/metrics"
	"taskmesh/pkg/resilience/circuit"
	"taskmesh/pkg/resilience/retry"
	"taskmesh/pkg/task"
)

// Fallback reasons.
const (
	ReasonMissingCredential = "missing_credential"
	ReasonUnhealthyPrefix   = "unhealthy:"
	ReasonErrorPrefix       = "error:"
)

// Target is one provider/model pair. SecondaryModel, when set, is tried on
// the same provider before moving to the next target.
type Target struct {
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	SecondaryModel string `json:"secondary_model,omitempty"`
}

// Route is the ordered provider chain for one role.
type Route struct {
	Primary   Target   `json:"primary"`
	Fallbacks []Target `json:"fallbacks,omitempty"`
}

func (r Route) candidates() []Target {
	return append([]Target{r.Primary}, r.Fallbacks...)
}

// Routes maps each role to its chain.
type Routes map[task.Role]Route

// RoutesFromConfig converts the configured role table.
func RoutesFromConfig(roles map[string]config.RouteConfig) Routes {
	out := make(Routes, len(roles))
	for role, rc := range roles {
		route := Route{Primary: Target(rc.Primary)}
		for _, fb := range rc.Fallbacks {
			route.Fallbacks = append(route.Fallbacks, Target(fb))
		}
		out[task.Role(role)] = route
	}
	return out
}

// Registry reports credential availability and builds clients.
type Registry interface {
	Available(provider string) bool
	Client(provider, model string) (llm.LLMClient, error)
}

// FallbackInfo describes a deviation from the role's primary target.
type FallbackInfo struct {
	OriginalProvider string `json:"original_provider"`
	OriginalModel    string `json:"original_model"`
	UsedProvider     string `json:"used_provider"`
	UsedModel        string `json:"used_model"`
	Reason           string `json:"reason"`
}

// Selection is the first usable target for a role.
type Selection struct {
	Role     task.Role
	Target   Target
	Fallback *FallbackInfo

	index int
}

// Response is a completed dispatch.
type Response struct {
	Content      string        `json:"content"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Role         task.Role     `json:"role"`
	Attempts     int           `json:"attempts"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	Fallback     *FallbackInfo `json:"fallback,omitempty"`
}

// NoProviderError means no target in the role's chain is usable.
type NoProviderError struct {
	Role    task.Role
	Reasons []string
}

func (e *NoProviderError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("no provider available for role %s", e.Role)
	}
	return fmt.Sprintf("no provider available for role %s: %s", e.Role, strings.Join(e.Reasons, "; "))
}

// ExhaustedError means every usable target was tried and failed.
type ExhaustedError struct {
	Role     task.Role
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all providers failed for role %s after %d attempts: %v", e.Role, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Dispatcher sends completions for a role through its provider chain.
//
//nolint:govet // logical grouping
type Dispatcher struct {
	routes   Routes
	registry Registry
	monitor  *health.Monitor
	policy   *retry.Policy
	recorder metrics.Recorder
	logger   *logx.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRetryPolicy replaces the per-model retry policy.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithRecorder routes dispatch metrics to r.
func WithRecorder(r metrics.Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// Retryable is the dispatcher's retry classifier. Rate limits are not
// retried on the same provider; the monitor has put it in cooldown and the
// chain moves on.
func Retryable(err error) bool {
	if llmerrors.Is(err, llmerrors.ErrorTypeRateLimit) {
		return false
	}
	return retry.IsRetryable(err)
}

// New creates a dispatcher.
func New(routes Routes, registry Registry, monitor *health.Monitor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		routes:   routes,
		registry: registry,
		monitor:  monitor,
		policy:   retry.NewPolicy(retry.DefaultConfig, Retryable),
		recorder: metrics.Nop{},
		logger:   logx.NewLogger("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.recorder = metrics.OrNop(d.recorder)
	if d.policy.OnRetry == nil {
		// Work on a copy: the policy may be shared with other callers.
		policy := *d.policy
		policy.OnRetry = func(attempt int, err error, delay time.Duration) {
			d.logger.Warn("attempt %d failed (%v), retrying in %s", attempt, err, delay.Round(time.Millisecond))
		}
		d.policy = &policy
	}
	return d
}

// Routes returns the routing table.
func (d *Dispatcher) Routes() Routes {
	return d.routes
}

func (d *Dispatcher) route(role task.Role) (Route, bool) {
	if r, ok := d.routes[role]; ok {
		return r, true
	}
	r, ok := d.routes[task.RoleGeneral]
	return r, ok
}

// usable reports whether target can take traffic now, or why not.
func (d *Dispatcher) usable(t Target) (bool, string) {
	if !d.registry.Available(t.Provider) {
		return false, ReasonMissingCredential
	}
	if h := d.monitor.CheckHealth(t.Provider); !h.Healthy {
		return false, ReasonUnhealthyPrefix + string(h.Reason)
	}
	return true, ""
}

// Resolve returns the first target of role's chain with a credential and a
// healthy provider. Roles without a route use the general route.
func (d *Dispatcher) Resolve(role task.Role) (*Selection, error) {
	route, ok := d.route(role)
	if !ok {
		return nil, &NoProviderError{Role: role, Reasons: []string{"no route configured"}}
	}

	var reasons []string
	var firstReason string
	for i, t := range route.candidates() {
		ok, reason := d.usable(t)
		if !ok {
			if firstReason == "" {
				firstReason = reason
			}
			reasons = append(reasons, fmt.Sprintf("%s/%s: %s", t.Provider, t.Model, reason))
			continue
		}
		sel := &Selection{Role: role, Target: t, index: i}
		if i > 0 {
			sel.Fallback = &FallbackInfo{
				OriginalProvider: route.Primary.Provider,
				OriginalModel:    route.Primary.Model,
				UsedProvider:     t.Provider,
				UsedModel:        t.Model,
				Reason:           firstReason,
			}
		}
		return sel, nil
	}
	return nil, &NoProviderError{Role: role, Reasons: reasons}
}

// Complete sends a single-prompt request for role.
func (d *Dispatcher) Complete(ctx context.Context, role task.Role, prompt string) (*Response, error) {
	return d.Dispatch(ctx, role, llm.NewPromptRequest(prompt))
}

// Dispatch sends req for role. Starting at the resolved target it tries the
// model, then the secondary model, then each remaining usable fallback. Each
// model attempt is retried for transient errors and reported to the health
// monitor. Returns *NoProviderError when nothing is usable and
// *ExhaustedError when everything usable failed.
//
//nolint:gocritic // CompletionRequest passed by value like llm.LLMClient
func (d *Dispatcher) Dispatch(ctx context.Context, role task.Role, req llm.CompletionRequest) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "invalid completion request")
	}

	sel, err := d.Resolve(role)
	if err != nil {
		return nil, err
	}
	route, _ := d.route(role)
	primary := route.Primary
	candidates := route.candidates()

	reason := ""
	if sel.Fallback != nil {
		reason = sel.Fallback.Reason
	}
	attempts := 0
	var lastErr error

	for i := sel.index; i < len(candidates); i++ {
		target := candidates[i]
		if i > sel.index {
			if ok, why := d.usable(target); !ok {
				d.logger.Debug("skipping %s/%s for %s: %s", target.Provider, target.Model, role, why)
				continue
			}
		}

		models := []string{target.Model}
		if target.SecondaryModel != "" && target.SecondaryModel != target.Model {
			models = append(models, target.SecondaryModel)
		}

		for j, model := range models {
			if j > 0 {
				// The breaker may have opened during the first model's retries.
				if ok, _ := d.usable(target); !ok {
					break
				}
			}
			resp, n, err := d.attempt(ctx, role, target.Provider, model, req)
			attempts += n
			if err == nil {
				out := &Response{
					Content:      resp.Content,
					Provider:     target.Provider,
					Model:        model,
					Role:         role,
					Attempts:     attempts,
					InputTokens:  resp.InputTokens,
					OutputTokens: resp.OutputTokens,
				}
				if target.Provider != primary.Provider || model != primary.Model {
					out.Fallback = &FallbackInfo{
						OriginalProvider: primary.Provider,
						OriginalModel:    primary.Model,
						UsedProvider:     target.Provider,
						UsedModel:        model,
						Reason:           reason,
					}
					d.recorder.IncFallback(string(role), fallbackLabel(reason))
					d.logger.Info("%s served by fallback %s/%s (%s)", role, target.Provider, model, reason)
				}
				return out, nil
			}

			lastErr = err
			if ctx.Err() != nil {
				return nil, &ExhaustedError{Role: role, Attempts: attempts, Last: err}
			}
			if reason == "" {
				reason = failureReason(err)
			}
			d.logger.Warn("%s/%s failed for %s: %v", target.Provider, model, role, err)
		}
	}

	if lastErr == nil {
		return nil, &NoProviderError{Role: role, Reasons: []string{"every fallback became unusable"}}
	}
	return nil, &ExhaustedError{Role: role, Attempts: attempts, Last: lastErr}
}

// attempt runs one model under the retry policy. Every try goes through the
// health monitor so the breaker and cooldowns see it.
//
//nolint:gocritic // CompletionRequest passed by value like llm.LLMClient
func (d *Dispatcher) attempt(ctx context.Context, role task.Role, provider, model string, req llm.CompletionRequest) (llm.CompletionResponse, int, error) {
	client, err := d.registry.Client(provider, model)
	if err != nil {
		return llm.CompletionResponse{}, 0, err
	}

	outcome := retry.Try(ctx, d.policy, func(ctx context.Context, _ int) (llm.CompletionResponse, error) {
		var resp llm.CompletionResponse
		start := time.Now()
		err := d.monitor.Execute(ctx, provider, func(ctx context.Context) error {
			var cerr error
			resp, cerr = client.Complete(ctx, req)
			return cerr
		})
		status, errType := metrics.StatusSuccess, ""
		if err != nil {
			status, errType = metrics.StatusError, errorLabel(err)
		}
		d.recorder.ObserveDispatch(provider, model, string(role), status, errType, time.Since(start))
		return resp, err
	})
	return outcome.Value, outcome.Attempts, outcome.Err
}

func failureReason(err error) string {
	if errors.Is(err, circuit.ErrOpen) {
		return ReasonUnhealthyPrefix + string(health.ReasonCircuitOpen)
	}
	return ReasonErrorPrefix + string(health.Classify(err))
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, circuit.ErrOpen):
		return "circuit_open"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return llmerrors.TypeOf(err).String()
	}
}

// fallbackLabel trims per-provider detail so the metric stays low-cardinality.
func fallbackLabel(reason string) string {
	if i := strings.IndexByte(reason, ':'); i > 0 {
		return reason[:i]
	}
	return reason
}
