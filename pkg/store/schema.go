package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 1

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// Empty database gets a fresh schema.
	if currentVersion == 0 {
		return createSchema(db)
	}

	if currentVersion == CurrentSchemaVersion {
		return nil
	}

	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

// runMigration applies a specific version migration.
func runMigration(db *sql.DB, version int) error {
	switch version {
	case 1:
		return createSchema(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			spec TEXT NOT NULL,
			original_scope TEXT,
			status TEXT DEFAULT 'active' CHECK (status IN ('active','validating','completed','failed','halted')),
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			completed_at DATETIME
		)`,

		`CREATE TABLE IF NOT EXISTS task_groups (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			title TEXT NOT NULL,
			details TEXT,
			status TEXT DEFAULT 'pending' CHECK (status IN ('pending','in_progress','deferred','held','completed','failed')),
			merge_status TEXT DEFAULT 'unmerged' CHECK (merge_status IN ('unmerged','merged','conflict')),
			tier TEXT DEFAULT 'base' CHECK (tier IN ('base','senior','lead')),
			phase INTEGER DEFAULT 0,
			review_iteration INTEGER DEFAULT 1,
			tier_iteration INTEGER DEFAULT 1,
			no_progress_count INTEGER DEFAULT 0,
			blocking_issue_count INTEGER DEFAULT 0,
			investigation_iterations INTEGER DEFAULT 0,
			workspace TEXT,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			completed_at DATETIME
		)`,

		// Append-only journal. Rows are never updated or deleted; the
		// idempotency key makes crash-resume replays safe.
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			group_id TEXT,
			idempotency_key TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			payload TEXT,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS context_packages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			group_id TEXT NOT NULL REFERENCES task_groups(id),
			origin_role TEXT NOT NULL CHECK (origin_role IN ('planner','implementer','verifier','reviewer')),
			consumer_roles TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// One row per (package, role) consumption. A package leaves a
		// role's bundle queue only for that role; the other addressed
		// roles still see it.
		`CREATE TABLE IF NOT EXISTS package_consumption (
			package_id TEXT NOT NULL REFERENCES context_packages(id),
			role TEXT NOT NULL CHECK (role IN ('planner','implementer','verifier','reviewer')),
			consumed_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (package_id, role)
		)`,

		// Issues whose rejection was accepted. Permanent for the session.
		`CREATE TABLE IF NOT EXISTS closed_issues (
			issue_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			group_id TEXT NOT NULL REFERENCES task_groups(id),
			reason TEXT,
			closed_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_groups_session ON task_groups(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_groups_status ON task_groups(status)",
		"CREATE INDEX IF NOT EXISTS idx_groups_phase ON task_groups(phase)",
		"CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_events_group ON events(group_id)",
		"CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)",
		"CREATE INDEX IF NOT EXISTS idx_packages_group ON context_packages(group_id)",
		"CREATE INDEX IF NOT EXISTS idx_consumption_package ON package_consumption(package_id)",
		"CREATE INDEX IF NOT EXISTS idx_closed_issues_group ON closed_issues(group_id)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
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
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return version, nil
}
