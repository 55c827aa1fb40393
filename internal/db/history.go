package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/codebot/internal/tasks"
)

// Run is one row of task history.
type Run struct {
	TaskID     string
	Kind       string
	BranchKey  string
	Repository string
	Status     string
	Branch     string
	PRURL      string
	ReplyURL   string
	Error      string
	Commits    []string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt time.Time
}

// RunFromTask converts a terminal task to a history row.
func RunFromTask(t tasks.Task) Run {
	r := Run{
		TaskID:     t.ID,
		Kind:       string(t.Kind),
		BranchKey:  t.BranchKey,
		Repository: t.Payload.RepositoryURL,
		Status:     string(t.Status),
		CreatedAt:  t.CreatedAt,
		StartedAt:  t.StartedAt,
	}
	if t.FinishedAt != nil {
		r.FinishedAt = *t.FinishedAt
	}
	if res := t.Result; res != nil {
		r.Branch = res.BranchName
		r.PRURL = res.PRURL
		r.ReplyURL = res.ReplyURL
		r.Error = res.Error
		r.Commits = res.Commits
	}
	return r
}

// RecordRun stores a finished task. Recording the same task twice
// replaces the earlier row.
func (d *DB) RecordRun(ctx context.Context, r Run) error {
	if d == nil || d.sql == nil {
		return errors.New("db is nil")
	}
	var started any
	if r.StartedAt != nil {
		started = r.StartedAt.UTC()
	}
	_, err := d.sql.ExecContext(ctx, `
INSERT OR REPLACE INTO task_runs
    (task_id, kind, branch_key, repository, status, branch, pr_url, reply_url, error, commits, created_at, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.Kind, r.BranchKey, r.Repository, r.Status, r.Branch, r.PRURL, r.ReplyURL, r.Error,
		strings.Join(r.Commits, ","), r.CreatedAt.UTC(), started, r.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", r.TaskID, err)
	}
	return nil
}

// RecordTask stores a terminal task.
func (d *DB) RecordTask(ctx context.Context, t tasks.Task) error {
	return d.RecordRun(ctx, RunFromTask(t))
}

// RecentRuns returns up to limit runs, newest first. An empty status
// matches every run.
func (d *DB) RecentRuns(ctx context.Context, limit int, status string) ([]Run, error) {
	if d == nil || d.sql == nil {
		return nil, errors.New("db is nil")
	}
	if limit <= 0 {
		limit = 20
	}

	query := `
SELECT task_id, kind, branch_key, repository, status, branch, pr_url, reply_url, error, commits, created_at, started_at, finished_at
FROM task_runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY finished_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	return scanRuns(rows)
}

// RunsSince returns every run that finished at or after since, oldest first.
// A zero since matches all runs.
func (d *DB) RunsSince(ctx context.Context, since time.Time) ([]Run, error) {
	if d == nil || d.sql == nil {
		return nil, errors.New("db is nil")
	}
	rows, err := d.sql.QueryContext(ctx, `
SELECT task_id, kind, branch_key, repository, status, branch, pr_url, reply_url, error, commits, created_at, started_at, finished_at
FROM task_runs WHERE finished_at >= ? ORDER BY finished_at ASC`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var (
			r       Run
			commits string
			started sql.NullTime
		)
		if err := rows.Scan(&r.TaskID, &r.Kind, &r.BranchKey, &r.Repository, &r.Status, &r.Branch,
			&r.PRURL, &r.ReplyURL, &r.Error, &commits, &r.CreatedAt, &started, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if commits != "" {
			r.Commits = strings.Split(commits, ",")
		}
		if started.Valid {
			v := started.Time
			r.StartedAt = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StatusCounts returns the number of recorded runs per status.
func (d *DB) StatusCounts(ctx context.Context) (map[string]int, error) {
	if d == nil || d.sql == nil {
		return nil, errors.New("db is nil")
	}
	rows, err := d.sql.QueryContext(ctx, `SELECT status, COUNT(*) FROM task_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
