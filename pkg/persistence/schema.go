package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion is bumped whenever a migration is added to runMigration.
const CurrentSchemaVersion = 2

func initializeSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, CurrentSchemaVersion)
	}
	for version := current + 1; version <= CurrentSchemaVersion; version++ {
		if err := runMigration(ctx, db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
	}
	return nil
}

// GetSchemaVersion returns the applied schema version, 0 for a fresh database.
func GetSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) || !version.Valid {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func runMigration(ctx context.Context, db *sql.DB, version int) error {
	var statements []string
	switch version {
	case 1:
		statements = []string{
			`CREATE TABLE IF NOT EXISTS runs (
				id TEXT PRIMARY KEY,
				task TEXT NOT NULL,
				model TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running','done','failed')),
				final_text TEXT NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				steps INTEGER NOT NULL DEFAULT 0,
				tools_used TEXT NOT NULL DEFAULT '[]',
				started_at TEXT NOT NULL,
				ended_at TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
				seq INTEGER NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				tool_calls TEXT,
				tool_call_id TEXT NOT NULL DEFAULT '',
				is_error INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (run_id, seq)
			)`,
			"CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)",
		}
	case 2:
		statements = []string{
			"ALTER TABLE runs ADD COLUMN tool_calls INTEGER NOT NULL DEFAULT 0",
			"ALTER TABLE runs ADD COLUMN elapsed_ms INTEGER NOT NULL DEFAULT 0",
		}
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", stmt, err)
		}
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to update schema version to %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}
