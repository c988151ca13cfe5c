// Package contextstore shares task outputs between workers. Entries live in a
// global scope or in one orchestration session's scope and may expire.
package contextstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskmesh/pkg/config"
)

// Scope selects the namespace of an entry.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeSession Scope = "session"
)

var (
	// ErrSessionRequired is returned for session-scoped access without a session id.
	ErrSessionRequired = errors.New("session scope requires a session id")
	// ErrInvalidScope is returned for an unknown scope.
	ErrInvalidScope = errors.New("invalid context scope")
	// ErrEmptyKey is returned when key is empty.
	ErrEmptyKey = errors.New("context key is empty")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("context store is closed")
)

// Store is a key/value store for orchestration context. Expired entries are
// never returned.
type Store interface {
	// Set writes value under key. ttl <= 0 means the entry does not expire.
	Set(ctx context.Context, key, value string, scope Scope, sessionID string, ttl time.Duration) error

	// Get reads key. found is false for missing or expired entries.
	Get(ctx context.Context, key string, scope Scope, sessionID string) (value string, found bool, err error)

	// Delete removes key if present.
	Delete(ctx context.Context, key string, scope Scope, sessionID string) error

	Close() error
}

// Clock returns the current time.
type Clock func() time.Time

// namespace validates the address of an entry and returns the session
// component used for storage; global entries ignore sessionID.
func namespace(key string, scope Scope, sessionID string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	switch scope {
	case ScopeGlobal:
		return "", nil
	case ScopeSession:
		if sessionID == "" {
			return "", ErrSessionRequired
		}
		return sessionID, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// TaskResultKey is the key under which a task's output is published.
func TaskResultKey(taskID string) string {
	return "task:" + taskID + ":result"
}

// SummaryKey is the key of an orchestration's final summary.
const SummaryKey = "orchestration:summary"

// Open creates the store selected by cfg.
func Open(cfg config.ContextStoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", config.StoreMemory:
		return NewMemory(), nil
	case config.StoreSQLite:
		return OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown context store driver %q", cfg.Driver)
	}
}
