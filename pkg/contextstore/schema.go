package contextstore

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion is the schema version created by this build.
const CurrentSchemaVersion = 2

// initializeSchema brings db to CurrentSchemaVersion.
func initializeSchema(db *sql.DB) error {
	current, err := schemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}
	if current == 0 {
		return createSchema(db)
	}
	for version := current + 1; version <= CurrentSchemaVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds the expiry index used by purges.
func migrateToVersion2(db *sql.DB) error {
	_, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_context_entries_expires ON context_entries(expires_at)")
	if err != nil {
		return fmt.Errorf("failed to create expiry index: %w", err)
	}
	return nil
}

func createSchema(db *sql.DB) error {
	statements := []string{
		"PRAGMA journal_mode = WAL",

		`CREATE TABLE IF NOT EXISTS context_entries (
			scope TEXT NOT NULL CHECK (scope IN ('global','session')),
			session_id TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (scope, session_id, key)
		)`,

		"CREATE INDEX IF NOT EXISTS idx_context_entries_session ON context_entries(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_context_entries_expires ON context_entries(expires_at)",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}
	return setSchemaVersion(db, CurrentSchemaVersion)
}

func schemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}
