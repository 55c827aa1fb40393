// Package reaper purges terminal tasks once they outlive the retention
// window, together with workspaces no live task still needs.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marcus/codebot/internal/logging"
	"github.com/marcus/codebot/internal/metrics"
	"github.com/marcus/codebot/internal/tasklog"
	"github.com/marcus/codebot/internal/tasks"
	"github.com/marcus/codebot/internal/workspace"
)

// DefaultInterval is the sweep period.
const DefaultInterval = 5 * time.Minute

// Workspaces is the subset of the workspace store the reaper needs.
type Workspaces interface {
	Get(branchKey string) (workspace.Workspace, bool)
	Purge(branchKey string) error
}

// KeyFence keeps workers off a branch key while its workspace is deleted.
type KeyFence interface {
	TryHold(key string) bool
	Release(key string)
}

// Report summarizes one sweep.
type Report struct {
	Expired    int // terminal tasks past retention
	Purged     int // tasks moved to purged
	Workspaces int // workspaces deleted
	Skipped    int // tasks left for a later sweep
	Pruned     int // purged records dropped from the registry
}

// Reaper sweeps the registry on a fixed interval.
type Reaper struct {
	registry  *tasks.Registry
	store     Workspaces
	fence     KeyFence
	logs      *tasklog.Store
	metrics   *metrics.Metrics
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	log       *logging.Logger
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithInterval sets the sweep period.
func WithInterval(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithTaskLogs drops captured logs for purged tasks.
func WithTaskLogs(s *tasklog.Store) Option {
	return func(r *Reaper) { r.logs = s }
}

// WithMetrics counts purged workspaces.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reaper) { r.metrics = m }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// New creates a reaper. retention is how long a terminal task is kept.
func New(registry *tasks.Registry, store Workspaces, fence KeyFence, retention time.Duration, opts ...Option) *Reaper {
	r := &Reaper{
		registry:  registry,
		store:     store,
		fence:     fence,
		retention: retention,
		interval:  DefaultInterval,
		now:       time.Now,
		log:       logging.Component("reaper"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps every interval until ctx ends.
func (r *Reaper) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLogger(cronLogger{r.log}),
		cron.WithChain(cron.Recover(cronLogger{r.log}), cron.SkipIfStillRunning(cronLogger{r.log})),
	)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.interval), func() { r.Sweep() }); err != nil {
		return fmt.Errorf("scheduling reaper: %w", err)
	}
	c.Start()
	r.log.InfoCtx("reaper started", map[string]any{
		"interval":  r.interval.String(),
		"retention": r.retention.String(),
	})

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Sweep purges every task past retention. A workspace is deleted only
// when no other task on its key is live, and never while its key is held.
func (r *Reaper) Sweep() Report {
	now := r.now()
	rep := Report{Pruned: r.registry.Prune()}

	expired := r.registry.ListExpired(now, r.retention)
	rep.Expired = len(expired)

	for _, t := range expired {
		if !r.fence.TryHold(t.BranchKey) {
			r.log.WarnCtx("skipping expired task with held key", map[string]any{
				"task_id":    t.ID,
				"branch_key": t.BranchKey,
			})
			rep.Skipped++
			continue
		}
		ok := r.reap(t, now, &rep)
		r.fence.Release(t.BranchKey)
		if !ok {
			rep.Skipped++
		}
	}

	if rep.Expired > 0 || rep.Pruned > 0 {
		r.log.InfoCtx("sweep complete", map[string]any{
			"expired":    rep.Expired,
			"purged":     rep.Purged,
			"workspaces": rep.Workspaces,
			"skipped":    rep.Skipped,
			"pruned":     rep.Pruned,
		})
	}
	return rep
}

// reap runs with t.BranchKey fenced.
func (r *Reaper) reap(t tasks.Task, now time.Time, rep *Report) bool {
	fields := map[string]any{"task_id": t.ID, "branch_key": t.BranchKey}

	if !r.registry.KeyActive(t.BranchKey, now, r.retention) {
		if _, exists := r.store.Get(t.BranchKey); exists {
			if err := r.store.Purge(t.BranchKey); err != nil {
				fields["error"] = err.Error()
				r.log.ErrorCtx("purging workspace", fields)
				return false
			}
			rep.Workspaces++
			r.metrics.Purged()
		}
	}

	if _, err := r.registry.Transition(t.ID, tasks.StatusPurged, nil); err != nil {
		fields["error"] = err.Error()
		r.log.ErrorCtx("marking task purged", fields)
		return false
	}
	if r.logs != nil {
		r.logs.Drop(t.ID)
	}
	rep.Purged++
	return true
}

// cronLogger adapts the codebot logger to cron.Logger.
type cronLogger struct {
	log *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.DebugCtx("cron: "+msg, pairs(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	fields := pairs(keysAndValues)
	fields["error"] = err.Error()
	c.log.ErrorCtx("cron: "+msg, fields)
}

func pairs(kv []any) map[string]any {
	out := make(map[string]any, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
