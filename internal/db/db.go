// Package db persists a history of finished codebot tasks in SQLite.
// Live task state stays in memory; the history is read-only reporting.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marcus/codebot/internal/logging"
)

// pragmas are applied to every connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
}

// openTimeout bounds the initial ping and migrations.
const openTimeout = 10 * time.Second

// DB is the run-history store.
type DB struct {
	sql  *sql.DB
	path string
}

// DefaultPath returns ~/.local/share/codebot/codebot.db.
func DefaultPath() string {
	return logging.ExpandPath("~/.local/share/codebot/codebot.db")
}

// Open opens or creates the history database at path and brings its
// schema up to date. An empty path uses DefaultPath.
func Open(path string) (*DB, error) {
	if path == "" {
		path = DefaultPath()
	}
	resolved := logging.ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return nil, fmt.Errorf("creating db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", dsn(resolved))
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}
	// sqlite has a single writer
	sqlDB.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping db %s: %w", resolved, err)
	}
	if err := Migrate(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &DB{sql: sqlDB, path: resolved}, nil
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	q.Set("_time_format", "sqlite")
	return path + "?" + q.Encode()
}

// Path returns the resolved database file path.
func (d *DB) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

// Close closes the underlying connection. Closing a nil DB is a no-op.
func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}
