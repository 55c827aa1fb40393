// Package stats computes aggregate statistics from recorded task history.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/marcus/codebot/internal/db"
	"github.com/marcus/codebot/internal/tasks"
)

// Duration wraps time.Duration for clean JSON serialization as seconds.
type Duration struct {
	time.Duration
}

// MarshalJSON serializes Duration as integer seconds.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(d.Seconds()))
}

// UnmarshalJSON deserializes Duration from integer seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var secs int64
	if err := json.Unmarshal(b, &secs); err != nil {
		return err
	}
	d.Duration = time.Duration(secs) * time.Second
	return nil
}

// String returns a human-readable duration string.
func (d Duration) String() string {
	dur := d.Duration
	if dur < time.Minute {
		return fmt.Sprintf("%ds", int(dur.Seconds()))
	}
	if dur < time.Hour {
		return fmt.Sprintf("%dm %ds", int(dur.Minutes()), int(dur.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(dur.Hours()), int(dur.Minutes())%60)
}

// Result holds the computed statistics, JSON-serializable.
type Result struct {
	TotalRuns   int        `json:"total_runs"`
	FirstRunAt  *time.Time `json:"first_run_at,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	AvgDuration Duration   `json:"avg_duration"`
	AvgWait     Duration   `json:"avg_wait"`

	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`

	PRsOpened int `json:"prs_opened"`
	Replies   int `json:"replies"`
	Commits   int `json:"commits"`

	KindBreakdown map[string]int `json:"kind_breakdown,omitempty"`
	Repositories  []RepoStats    `json:"repositories,omitempty"`
}

// RepoStats summarizes activity for a single repository.
type RepoStats struct {
	Repository string `json:"repository"`
	Runs       int    `json:"runs"`
	Failed     int    `json:"failed"`
}

// RunSource is the slice of the history database stats reads from.
type RunSource interface {
	RunsSince(ctx context.Context, since time.Time) ([]db.Run, error)
}

// Stats computes aggregate statistics over a run source.
type Stats struct {
	source  RunSource
	nowFunc func() time.Time
}

// New creates a Stats instance.
func New(source RunSource) *Stats {
	return &Stats{source: source, nowFunc: time.Now}
}

// Compute aggregates runs that finished within the given window. A zero
// window covers all recorded runs.
func (s *Stats) Compute(ctx context.Context, window time.Duration) (*Result, error) {
	var since time.Time
	if window > 0 {
		since = s.nowFunc().Add(-window)
	}
	runs, err := s.source.RunsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("loading runs: %w", err)
	}
	return Aggregate(runs), nil
}

// Aggregate computes statistics over the given runs.
func Aggregate(runs []db.Run) *Result {
	result := &Result{KindBreakdown: make(map[string]int)}
	repos := make(map[string]*RepoStats)

	var (
		totalRun, totalWait time.Duration
		timed               int
	)
	for _, r := range runs {
		result.TotalRuns++
		result.KindBreakdown[r.Kind]++

		finished := r.FinishedAt
		if result.FirstRunAt == nil || finished.Before(*result.FirstRunAt) {
			result.FirstRunAt = &finished
		}
		if result.LastRunAt == nil || finished.After(*result.LastRunAt) {
			result.LastRunAt = &finished
		}

		switch tasks.Status(r.Status) {
		case tasks.StatusSucceeded:
			result.Succeeded++
		case tasks.StatusFailed:
			result.Failed++
		}
		if r.PRURL != "" {
			result.PRsOpened++
		}
		if r.ReplyURL != "" {
			result.Replies++
		}
		result.Commits += len(r.Commits)

		if r.StartedAt != nil && !finished.IsZero() {
			totalRun += finished.Sub(*r.StartedAt)
			totalWait += r.StartedAt.Sub(r.CreatedAt)
			timed++
		}

		if r.Repository != "" {
			rs, ok := repos[r.Repository]
			if !ok {
				rs = &RepoStats{Repository: r.Repository}
				repos[r.Repository] = rs
			}
			rs.Runs++
			if tasks.Status(r.Status) == tasks.StatusFailed {
				rs.Failed++
			}
		}
	}

	if timed > 0 {
		result.AvgDuration = Duration{totalRun / time.Duration(timed)}
		result.AvgWait = Duration{totalWait / time.Duration(timed)}
	}
	if finished := result.Succeeded + result.Failed; finished > 0 {
		result.SuccessRate = float64(result.Succeeded) / float64(finished) * 100
	}

	for _, rs := range repos {
		result.Repositories = append(result.Repositories, *rs)
	}
	sort.Slice(result.Repositories, func(i, j int) bool {
		a, b := result.Repositories[i], result.Repositories[j]
		if a.Runs != b.Runs {
			return a.Runs > b.Runs
		}
		return a.Repository < b.Repository
	})
	return result
}

// ParsePeriod maps a period name to a lookback window.
func ParsePeriod(period string) (time.Duration, error) {
	switch period {
	case "", "all":
		return 0, nil
	case "last-24h":
		return 24 * time.Hour, nil
	case "last-7d":
		return 7 * 24 * time.Hour, nil
	case "last-30d":
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown period %q (use all, last-24h, last-7d, last-30d)", period)
	}
}
