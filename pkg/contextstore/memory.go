package contextstore

import (
	"context"
	"sync"
	"time"
)

type entryKey struct {
	session string
	scope   Scope
	key     string
}

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	entries map[entryKey]entry
	now     Clock
	closed  bool
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the time source.
func WithMemoryClock(c Clock) MemoryOption {
	return func(m *Memory) { m.now = c }
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{entries: make(map[entryKey]entry), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Set(_ context.Context, key, value string, scope Scope, sessionID string, ttl time.Duration) error {
	session, err := namespace(key, scope, sessionID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries[entryKey{session, scope, key}] = entry{value: value, expiresAt: expiry(m.now(), ttl)}
	return nil
}

func (m *Memory) Get(_ context.Context, key string, scope Scope, sessionID string) (string, bool, error) {
	session, err := namespace(key, scope, sessionID)
	if err != nil {
		return "", false, err
	}
	k := entryKey{session, scope, key}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return "", false, ErrClosed
	}
	e, ok := m.entries[k]
	m.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if e.expired(m.now()) {
		m.mu.Lock()
		if cur, still := m.entries[k]; still && cur.expired(m.now()) {
			delete(m.entries, k)
		}
		m.mu.Unlock()
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Delete(_ context.Context, key string, scope Scope, sessionID string) error {
	session, err := namespace(key, scope, sessionID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.entries, entryKey{session, scope, key})
	return nil
}

// Len returns the number of stored entries, expired ones included until
// they are purged.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = nil
	return nil
}
