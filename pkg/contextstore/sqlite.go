package contextstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"taskmesh/pkg/logx"
)

// SQLite is a Store backed by a SQLite file.
type SQLite struct {
	db     *sql.DB
	now    Clock
	logger *logx.Logger

	closeOnce sync.Once
	closeErr  error
}

// SQLiteOption configures a SQLite store.
type SQLiteOption func(*SQLite)

// WithSQLiteClock overrides the time source.
func WithSQLiteClock(c Clock) SQLiteOption {
	return func(s *SQLite) { s.now = c }
}

// OpenSQLite opens (creating if needed) the database at path and migrates
// it to the current schema.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite context store requires a path")
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &SQLite{db: db, now: time.Now, logger: logx.NewLogger("contextstore")}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Info("context store opened: %s", path)
	return s, nil
}

func unixExpiry(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func (s *SQLite) Set(ctx context.Context, key, value string, scope Scope, sessionID string, ttl time.Duration) error {
	session, err := namespace(key, scope, sessionID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO context_entries (scope, session_id, key, value, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (scope, session_id, key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`, string(scope), session, key, value, unixExpiry(expiry(s.now(), ttl)))
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string, scope Scope, sessionID string) (string, bool, error) {
	session, err := namespace(key, scope, sessionID)
	if err != nil {
		return "", false, err
	}

	var (
		value     string
		expiresAt int64
	)
	err = s.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM context_entries WHERE scope = ? AND session_id = ? AND key = ?",
		string(scope), session, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	now := s.now().UnixNano()
	if expiresAt != 0 && now >= expiresAt {
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM context_entries WHERE scope = ? AND session_id = ? AND key = ? AND expires_at != 0 AND expires_at <= ?",
			string(scope), session, key, now,
		); err != nil {
			s.logger.Warn("failed to purge expired entry %s: %v", key, err)
		}
		return "", false, nil
	}
	return value, true, nil
}

func (s *SQLite) Delete(ctx context.Context, key string, scope Scope, sessionID string) error {
	session, err := namespace(key, scope, sessionID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM context_entries WHERE scope = ? AND session_id = ? AND key = ?",
		string(scope), session, key,
	); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// PurgeExpired removes every expired entry and returns how many were removed.
func (s *SQLite) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM context_entries WHERE expires_at != 0 AND expires_at <= ?",
		s.now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired entries: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}
