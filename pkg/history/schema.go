package history

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the schema version Migrate produces.
const SchemaVersion = 1

// Migrate creates the history schema in-place. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS commands (
			command_id TEXT PRIMARY KEY,
			zone TEXT NOT NULL,
			agent TEXT,
			status TEXT NOT NULL,
			exit_code INTEGER,
			log_ref TEXT,
			reason TEXT,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_zone ON commands(zone, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);`,

		// Transitions are append-only; seq is the position in the command's history.
		`CREATE TABLE IF NOT EXISTS command_transitions (
			command_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			status TEXT NOT NULL,
			at TEXT NOT NULL,
			reason TEXT,
			PRIMARY KEY(command_id, seq),
			FOREIGN KEY(command_id) REFERENCES commands(command_id)
		);`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			flow TEXT NOT NULL,
			status TEXT NOT NULL,
			outcome TEXT NOT NULL,
			failed_step TEXT,
			warnings TEXT,
			cancelled INTEGER NOT NULL DEFAULT 0,
			reason TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			finished_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);`,

		`CREATE TABLE IF NOT EXISTS job_steps (
			job_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			path TEXT NOT NULL,
			zone TEXT NOT NULL,
			status TEXT NOT NULL,
			allow_failure INTEGER NOT NULL DEFAULT 0,
			command_id TEXT,
			command_status TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			exit_code INTEGER,
			log_refs TEXT,
			reason TEXT,
			started_at TEXT,
			finished_at TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(job_id, seq),
			FOREIGN KEY(job_id) REFERENCES jobs(job_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_steps_command ON job_steps(command_id);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
