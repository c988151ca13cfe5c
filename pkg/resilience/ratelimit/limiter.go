// Package ratelimit throttles outbound provider calls on the client side so a
// burst of parallel tasks does not trip provider quotas.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskmesh/pkg/logx"
)

// Config defines per-provider limits. Zero disables the corresponding limit.
type Config struct {
	TokensPerMinute int `json:"tokens_per_minute" mapstructure:"tokens_per_minute"`
	MaxConcurrency  int `json:"max_concurrency" mapstructure:"max_concurrency"`
}

// BufferFactor keeps the bucket below the provider's advertised quota to
// absorb estimation error.
const BufferFactor = 0.9

const pollInterval = 100 * time.Millisecond

// Stats is a snapshot of a limiter.
type Stats struct {
	Provider        string `json:"provider"`
	AvailableTokens int    `json:"available_tokens"`
	MaxCapacity     int    `json:"max_capacity"`
	ActiveRequests  int    `json:"active_requests"`
	MaxConcurrency  int    `json:"max_concurrency"`
	TokenLimitHits  int64  `json:"token_limit_hits"`
	ConcurrencyHits int64  `json:"concurrency_hits"`
}

// TokenBucketLimiter combines a continuously refilled token bucket with a
// concurrency cap.
//
//nolint:govet // logical grouping
type TokenBucketLimiter struct {
	mu       sync.Mutex
	provider string
	now      func() time.Time
	logger   *logx.Logger

	available  float64
	capacity   float64
	perSecond  float64
	lastRefill time.Time

	active         int
	maxConcurrency int

	tokenLimitHits  int64
	concurrencyHits int64
}

// NewTokenBucketLimiter creates a limiter starting with a full bucket.
func NewTokenBucketLimiter(provider string, cfg Config) *TokenBucketLimiter {
	capacity := float64(cfg.TokensPerMinute) * BufferFactor
	return &TokenBucketLimiter{
		provider:       provider,
		now:            time.Now,
		logger:         logx.NewLogger("ratelimit"),
		available:      capacity,
		capacity:       capacity,
		perSecond:      capacity / 60,
		lastRefill:     time.Now(),
		maxConcurrency: cfg.MaxConcurrency,
	}
}

func (l *TokenBucketLimiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.lastRefill = now
	if elapsed <= 0 || l.capacity == 0 {
		return
	}
	l.available += elapsed * l.perSecond
	if l.available > l.capacity {
		l.available = l.capacity
	}
}

// Acquire blocks until tokens and a concurrency slot are both available.
// The returned release func must be called exactly once.
func (l *TokenBucketLimiter) Acquire(ctx context.Context, tokens int) (func(), error) {
	if l.capacity > 0 && float64(tokens) > l.capacity {
		return nil, fmt.Errorf("request of %d tokens exceeds %s bucket capacity %d",
			tokens, l.provider, int(l.capacity))
	}

	first := true
	for {
		l.mu.Lock()
		l.refillLocked()

		hasTokens := l.capacity == 0 || l.available >= float64(tokens)
		hasSlot := l.maxConcurrency == 0 || l.active < l.maxConcurrency
		if hasTokens && hasSlot {
			if l.capacity > 0 {
				l.available -= float64(tokens)
			}
			l.active++
			l.mu.Unlock()

			var once sync.Once
			return func() { once.Do(l.release) }, nil
		}

		if first {
			if !hasTokens {
				l.tokenLimitHits++
				l.logger.Info("%s token budget exhausted, waiting (need %d, have %d)", l.provider, tokens, int(l.available))
			}
			if !hasSlot {
				l.concurrencyHits++
				l.logger.Info("%s concurrency limit reached (%d/%d), waiting", l.provider, l.active, l.maxConcurrency)
			}
			first = false
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rate limit wait for %s cancelled: %w", l.provider, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

func (l *TokenBucketLimiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
}

// Stats returns current counters.
func (l *TokenBucketLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return Stats{
		Provider:        l.provider,
		AvailableTokens: int(l.available),
		MaxCapacity:     int(l.capacity),
		ActiveRequests:  l.active,
		MaxConcurrency:  l.maxConcurrency,
		TokenLimitHits:  l.tokenLimitHits,
		ConcurrencyHits: l.concurrencyHits,
	}
}
