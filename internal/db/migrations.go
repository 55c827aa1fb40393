package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/marcus/codebot/internal/logging"
)

// Migration is one schema change. Its version is its position in
// migrations, starting at 1, and is tracked in PRAGMA user_version.
type Migration struct {
	Description string
	SQL         string
}

var migrations = []Migration{
	{
		Description: "task_runs: one row per finished task",
		SQL: `
CREATE TABLE task_runs (
    task_id      TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    branch_key   TEXT NOT NULL,
    repository   TEXT NOT NULL,
    status       TEXT NOT NULL,
    branch       TEXT NOT NULL DEFAULT '',
    pr_url       TEXT NOT NULL DEFAULT '',
    reply_url    TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME NOT NULL
);
CREATE INDEX idx_task_runs_finished ON task_runs(finished_at DESC);
CREATE INDEX idx_task_runs_branch_key ON task_runs(branch_key);`,
	},
	{
		Description: "task_runs.commits",
		SQL:         `ALTER TABLE task_runs ADD COLUMN commits TEXT NOT NULL DEFAULT '';`,
	},
}

// Migrate applies every migration newer than the stored schema version,
// each in its own transaction.
func Migrate(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}
	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	log := logging.Component("db")

	for i := current; i < len(migrations); i++ {
		version := i + 1
		m := migrations[i]
		if err := applyMigration(ctx, db, version, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", version, m.Description, err)
		}
		log.InfoCtx("applied migration", map[string]any{"version": version, "description": m.Description})
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, version int, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	// PRAGMA does not accept bound parameters
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}
	return tx.Commit()
}

// SchemaVersion returns the number of applied migrations.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	if db == nil {
		return 0, errors.New("db is nil")
	}
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}
