// Package health tracks per-provider availability: a circuit breaker for
// repeated failures plus a separate cooldown for rate limiting.
package health

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"taskmesh/pkg/llmerrors"
	"taskmesh/pkg/logx"
	"taskmesh/pkg/metrics"
	"taskmesh/pkg/resilience/circuit"
)

// Reason classifies why a provider call failed.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonRateLimit   Reason = "rate_limit"
	ReasonTimeout     Reason = "timeout"
	ReasonServerError Reason = "server_error"
	ReasonUnknown     Reason = "unknown"

	// ReasonCircuitOpen is reported by CheckHealth, never by MarkError.
	ReasonCircuitOpen Reason = "circuit_open"
)

// Config controls breaker thresholds and the rate-limit cooldown.
type Config struct {
	Breaker           circuit.Config `json:"breaker" mapstructure:"breaker"`
	RateLimitCooldown time.Duration  `json:"rate_limit_cooldown" mapstructure:"rate_limit_cooldown"`
}

// DefaultConfig uses the breaker defaults and a one minute cooldown.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	Breaker:           circuit.DefaultConfig,
	RateLimitCooldown: 60 * time.Second,
}

// ProviderState is the externally visible health record of one provider.
type ProviderState struct {
	Provider      string          `json:"provider"`
	Available     bool            `json:"available"`
	Reason        Reason          `json:"reason,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	LastErrorAt   time.Time       `json:"last_error_at,omitempty"`
	LastSuccessAt time.Time       `json:"last_success_at,omitempty"`
	CooldownUntil time.Time       `json:"cooldown_until,omitempty"`
	Successes     int64           `json:"successes"`
	Failures      int64           `json:"failures"`
	Circuit       circuit.Metrics `json:"circuit"`
}

// Health is the answer to CheckHealth.
type Health struct {
	Provider          string        `json:"provider"`
	Healthy           bool          `json:"healthy"`
	Reason            Reason        `json:"reason,omitempty"`
	CooldownRemaining time.Duration `json:"cooldown_remaining,omitempty"`
	Circuit           circuit.State `json:"circuit"`
}

type provider struct {
	breaker *circuit.Breaker

	mu            sync.Mutex
	reason        Reason
	lastError     string
	lastErrorAt   time.Time
	lastSuccessAt time.Time
	cooldownUntil time.Time
	successes     int64
	failures      int64
}

// Monitor owns one provider record per name, created on first use.
type Monitor struct {
	config   Config
	now      func() time.Time
	recorder metrics.Recorder
	logger   *logx.Logger

	mu        sync.RWMutex
	providers map[string]*provider
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now for the monitor and the breakers it creates.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithRecorder forwards breaker transitions to r.
func WithRecorder(r metrics.Recorder) Option {
	return func(m *Monitor) { m.recorder = metrics.OrNop(r) }
}

// NewMonitor validates the breaker configuration up front so lazily created
// breakers cannot fail.
func NewMonitor(config Config, opts ...Option) (*Monitor, error) {
	if err := config.Breaker.Validate(); err != nil {
		return nil, err
	}
	if config.RateLimitCooldown <= 0 {
		config.RateLimitCooldown = DefaultConfig.RateLimitCooldown
	}
	m := &Monitor{
		config:    config,
		now:       time.Now,
		recorder:  metrics.Nop{},
		logger:    logx.NewLogger("health"),
		providers: make(map[string]*provider),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Monitor) get(name string) *provider {
	m.mu.RLock()
	p, ok := m.providers[name]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok = m.providers[name]; ok {
		return p
	}
	b, err := circuit.New(name, m.config.Breaker,
		circuit.WithClock(m.now),
		circuit.WithStateChangeHook(m.onStateChange))
	if err != nil {
		// unreachable: the config was validated in NewMonitor
		panic(fmt.Sprintf("health: breaker for %s: %v", name, err))
	}
	p = &provider{breaker: b}
	m.providers[name] = p
	return p
}

func (m *Monitor) onStateChange(c circuit.StateChange) {
	m.recorder.IncCircuitTransition(c.Name, c.From.String(), c.To.String())
	switch c.To {
	case circuit.Open:
		m.logger.Warn("circuit for %s opened after %d consecutive failures, retry at %s",
			c.Name, c.Metrics.ConsecutiveFailures, c.Metrics.NextRetryAt.Format(time.RFC3339))
	case circuit.HalfOpen:
		m.logger.Info("circuit for %s half-open, probing", c.Name)
	case circuit.Closed:
		m.logger.Info("circuit for %s closed", c.Name)
	}
}

// Breaker returns the breaker guarding name.
func (m *Monitor) Breaker(name string) *circuit.Breaker {
	return m.get(name).breaker
}

// Execute runs op through the provider's breaker and reports the outcome.
// Breaker rejections are returned without being recorded as provider errors.
func (m *Monitor) Execute(ctx context.Context, name string, op func(context.Context) error) error {
	p := m.get(name)
	if err := p.breaker.Allow(); err != nil {
		return err
	}
	err := op(ctx)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
		m.noteSuccess(p)
	case errors.Is(err, context.Canceled):
		// The caller gave up before the provider answered: no verdict.
		p.breaker.Release()
	default:
		p.breaker.RecordFailure()
		m.noteError(name, p, err)
	}
	return err
}

// MarkSuccess records a success observed outside Execute.
func (m *Monitor) MarkSuccess(name string) {
	p := m.get(name)
	p.breaker.RecordSuccess()
	m.noteSuccess(p)
}

// MarkError records a failure observed outside Execute and returns its classification.
func (m *Monitor) MarkError(name string, err error) Reason {
	p := m.get(name)
	p.breaker.RecordFailure()
	return m.noteError(name, p, err)
}

func (m *Monitor) noteSuccess(p *provider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successes++
	p.lastSuccessAt = m.now()
	p.cooldownUntil = time.Time{}
	p.reason = ReasonNone
}

func (m *Monitor) noteError(name string, p *provider, err error) Reason {
	reason := Classify(err)
	now := m.now()

	p.mu.Lock()
	p.failures++
	p.reason = reason
	p.lastError = err.Error()
	p.lastErrorAt = now
	var cooldown time.Duration
	if reason == ReasonRateLimit {
		cooldown = RetryAfter(err)
		if cooldown <= 0 {
			cooldown = m.config.RateLimitCooldown
		}
		p.cooldownUntil = now.Add(cooldown)
	}
	p.mu.Unlock()

	if cooldown > 0 {
		m.logger.Warn("%s rate limited, cooling down for %s", name, cooldown)
	}
	return reason
}

// CheckHealth reports whether name should receive traffic now. A provider is
// unhealthy while its breaker is open with cooldown remaining or while a
// rate-limit cooldown is active.
func (m *Monitor) CheckHealth(name string) Health {
	p := m.get(name)
	now := m.now()
	cm := p.breaker.Metrics()
	h := Health{Provider: name, Healthy: true, Circuit: cm.State}

	if cm.State == circuit.Open && now.Before(cm.NextRetryAt) {
		h.Healthy = false
		h.Reason = ReasonCircuitOpen
		h.CooldownRemaining = cm.NextRetryAt.Sub(now)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cooldownUntil.IsZero() {
		if now.Before(p.cooldownUntil) {
			remaining := p.cooldownUntil.Sub(now)
			if h.Healthy || remaining > h.CooldownRemaining {
				h.Reason = ReasonRateLimit
				h.CooldownRemaining = remaining
			}
			h.Healthy = false
		} else {
			p.cooldownUntil = time.Time{}
		}
	}
	return h
}

// NextHealthy returns the first healthy provider in order.
func (m *Monitor) NextHealthy(order []string) (string, bool) {
	for _, name := range order {
		if m.CheckHealth(name).Healthy {
			return name, true
		}
	}
	return "", false
}

// State returns the full record for name.
func (m *Monitor) State(name string) ProviderState {
	h := m.CheckHealth(name)
	p := m.get(name)
	cm := p.breaker.Metrics()

	p.mu.Lock()
	defer p.mu.Unlock()
	return ProviderState{
		Provider:      name,
		Available:     h.Healthy,
		Reason:        p.reason,
		LastError:     p.lastError,
		LastErrorAt:   p.lastErrorAt,
		LastSuccessAt: p.lastSuccessAt,
		CooldownUntil: p.cooldownUntil,
		Successes:     p.successes,
		Failures:      p.failures,
		Circuit:       cm,
	}
}

// Metrics returns the breaker counters for name.
func (m *Monitor) Metrics(name string) circuit.Metrics {
	return m.get(name).breaker.Metrics()
}

// Summary returns the state of every provider seen so far, sorted by name.
func (m *Monitor) Summary() []ProviderState {
	m.mu.RLock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	out := make([]ProviderState, 0, len(names))
	for _, name := range names {
		out = append(out, m.State(name))
	}
	return out
}

// Reset clears breaker and cooldown state for name.
func (m *Monitor) Reset(name string) {
	p := m.get(name)
	p.breaker.Reset()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.reason = ReasonNone
	p.cooldownUntil = time.Time{}
	p.lastError = ""
	p.lastErrorAt = time.Time{}
	p.successes = 0
	p.failures = 0
}

// ResetAll resets every known provider.
func (m *Monitor) ResetAll() {
	m.mu.RLock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.Reset(name)
	}
}

// Classify maps an error to a Reason using its llmerrors type when present
// and its message otherwise.
func Classify(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		switch llmErr.Type {
		case llmerrors.ErrorTypeRateLimit:
			return ReasonRateLimit
		case llmerrors.ErrorTypeTimeout:
			return ReasonTimeout
		case llmerrors.ErrorTypeTransient, llmerrors.ErrorTypeEmptyResponse:
			return ReasonServerError
		}
		if llmErr.StatusCode >= 500 {
			return ReasonServerError
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "rate limit") || strings.Contains(s, "rate_limit") ||
		strings.Contains(s, "429") || strings.Contains(s, "too many requests") ||
		strings.Contains(s, "quota"):
		return ReasonRateLimit
	case strings.Contains(s, "timeout") || strings.Contains(s, "timed out") ||
		strings.Contains(s, "deadline"):
		return ReasonTimeout
	case strings.Contains(s, "500") || strings.Contains(s, "502") || strings.Contains(s, "503") ||
		strings.Contains(s, "504") || strings.Contains(s, "internal server error") ||
		strings.Contains(s, "bad gateway") || strings.Contains(s, "unavailable") ||
		strings.Contains(s, "overloaded"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

type retryAfterHinter interface {
	RetryAfterHint() time.Duration
}

//nolint:gochecknoglobals // compiled once
var retryAfterPattern = regexp.MustCompile(
	`(?i)(?:retry[- ]after|try again in)[:\s]*([0-9]+(?:\.[0-9]+)?)\s*(ms|milliseconds?|s|sec|secs|seconds?|m|min|minutes?)?`)

// RetryAfter extracts a backoff hint from err: a typed hint first, then
// phrases such as "retry after 30s", "retry-after: 12" or "try again in 1.5 seconds".
func RetryAfter(err error) time.Duration {
	if err == nil {
		return 0
	}
	var h retryAfterHinter
	if errors.As(err, &h) {
		if d := h.RetryAfterHint(); d > 0 {
			return d
		}
	}

	match := retryAfterPattern.FindStringSubmatch(err.Error())
	if match == nil {
		return 0
	}
	n, perr := strconv.ParseFloat(match[1], 64)
	if perr != nil || n <= 0 {
		return 0
	}
	unit := time.Second
	switch u := strings.ToLower(match[2]); {
	case strings.HasPrefix(u, "ms") || strings.HasPrefix(u, "milli"):
		unit = time.Millisecond
	case u == "m" || strings.HasPrefix(u, "min"):
		unit = time.Minute
	}
	return time.Duration(n * float64(unit))
}
