// Package engine wires the registry, scheduler, workspace store, worker
// pool and reaper into one process-wide object shared by the run and
// serve commands.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marcus/codebot/internal/agents"
	"github.com/marcus/codebot/internal/config"
	"github.com/marcus/codebot/internal/logging"
	"github.com/marcus/codebot/internal/metrics"
	"github.com/marcus/codebot/internal/naming"
	"github.com/marcus/codebot/internal/orchestrator"
	"github.com/marcus/codebot/internal/reaper"
	"github.com/marcus/codebot/internal/retry"
	"github.com/marcus/codebot/internal/scheduler"
	"github.com/marcus/codebot/internal/tasklog"
	"github.com/marcus/codebot/internal/tasks"
	"github.com/marcus/codebot/internal/webhook"
	"github.com/marcus/codebot/internal/workspace"
)

var (
	// ErrNotRetryable is returned when retrying a task that did not fail.
	ErrNotRetryable = errors.New("only failed tasks can be retried")
	// ErrNoLogs is returned when a task has no captured log lines.
	ErrNoLogs = errors.New("no logs for task")
)

// Settings are the engine's tunables.
type Settings struct {
	Workers        int
	QueueSize      int
	Retention      time.Duration
	ReaperInterval time.Duration
	WorkspaceDir   string
	PushRetryDelay time.Duration
	AgentTimeout   time.Duration
	MaxLogLines    int
}

// SettingsFrom derives engine settings from loaded configuration.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		Workers:        cfg.Workers,
		QueueSize:      cfg.QueueSize,
		Retention:      cfg.Retention(),
		ReaperInterval: cfg.ReaperInterval,
		WorkspaceDir:   cfg.ExpandedWorkspaceDir(),
		PushRetryDelay: cfg.PushRetryDelay,
		AgentTimeout:   cfg.Agent.Timeout,
		MaxLogLines:    tasklog.DefaultMaxLines,
	}
}

// Git is the git transport: workspace preparation plus push.
type Git interface {
	workspace.Git
	orchestrator.Pusher
}

// GitHub is the GitHub transport used by workers and the webhook.
type GitHub interface {
	orchestrator.GitHub
	webhook.PRFetcher
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Queued    int                  `json:"queued"`
	Capacity  int                  `json:"capacity"`
	HeldKeys  int                  `json:"held_keys"`
	Workers   int                  `json:"workers"`
	Tasks     map[tasks.Status]int `json:"tasks"`
	Workspace int                  `json:"workspaces"`
}

// Engine is the task orchestration engine.
type Engine struct {
	settings Settings

	registry *tasks.Registry
	sched    *scheduler.Scheduler
	store    *workspace.Store
	pool     *orchestrator.Pool
	reaper   *reaper.Reaper
	logs     *tasklog.Store
	metrics  *metrics.Metrics
	log      *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	reaping chan struct{}
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	history  orchestrator.Recorder
	events   orchestrator.EventHandler
	contexts orchestrator.ContextSource
}

// WithHistory records finished tasks.
func WithHistory(r orchestrator.Recorder) Option {
	return func(o *options) { o.history = r }
}

// WithEventHandler receives worker pool events.
func WithEventHandler(h orchestrator.EventHandler) Option {
	return func(o *options) { o.events = h }
}

// WithContextSource overrides where agent context files come from.
func WithContextSource(c orchestrator.ContextSource) Option {
	return func(o *options) { o.contexts = c }
}

// New builds an engine. Nothing runs until Start.
func New(s Settings, git Git, gh GitHub, agent agents.Agent, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if s.MaxLogLines <= 0 {
		s.MaxLogLines = tasklog.DefaultMaxLines
	}

	store, err := workspace.New(s.WorkspaceDir, git)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		settings: s,
		registry: tasks.NewRegistry(),
		sched:    scheduler.New(s.QueueSize),
		store:    store,
		logs:     tasklog.New(s.MaxLogLines),
		log:      logging.Component("engine"),
	}
	e.metrics = metrics.New(
		func() float64 { return float64(e.sched.Len()) },
		func() float64 { return float64(e.sched.HeldCount()) },
	)

	poolOpts := []orchestrator.Option{
		orchestrator.WithWorkers(s.Workers),
		orchestrator.WithWorkspaces(store),
		orchestrator.WithAgent(agent),
		orchestrator.WithPusher(git),
		orchestrator.WithGitHub(gh),
		orchestrator.WithTaskLogs(e.logs),
		orchestrator.WithMetrics(e.metrics),
		orchestrator.WithPushRetry(retry.Once(s.PushRetryDelay)),
		orchestrator.WithAgentTimeout(s.AgentTimeout),
	}
	if o.history != nil {
		poolOpts = append(poolOpts, orchestrator.WithHistory(o.history))
	}
	if o.events != nil {
		poolOpts = append(poolOpts, orchestrator.WithEventHandler(o.events))
	}
	if o.contexts != nil {
		poolOpts = append(poolOpts, orchestrator.WithContextSource(o.contexts))
	}
	e.pool = orchestrator.New(e.registry, e.sched, poolOpts...)

	e.reaper = reaper.New(e.registry, store, e.sched, s.Retention,
		reaper.WithInterval(s.ReaperInterval),
		reaper.WithTaskLogs(e.logs),
		reaper.WithMetrics(e.metrics),
	)
	return e, nil
}

// Start launches the workers and the reaper. They keep the values of ctx
// but not its cancellation: running tasks end only through Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return errors.New("engine already started")
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := e.pool.Start(ctx); err != nil {
		cancel()
		return err
	}
	e.cancel = cancel
	e.reaping = make(chan struct{})
	go func() {
		defer close(e.reaping)
		if err := e.reaper.Run(ctx); err != nil {
			e.log.ErrorCtx("reaper stopped", map[string]any{"error": err.Error()})
		}
	}()

	e.log.InfoCtx("engine started", map[string]any{
		"workers":       e.settings.Workers,
		"queue_size":    e.sched.Capacity(),
		"retention":     e.settings.Retention.String(),
		"workspace_dir": e.store.Root(),
	})
	return nil
}

// Stop rejects new submissions, drops queued tasks and waits for running
// ones. When ctx ends first, running tasks are cancelled.
func (e *Engine) Stop(ctx context.Context) error {
	for _, entry := range e.sched.Close() {
		if err := e.registry.Discard(entry.TaskID); err == nil {
			e.logs.Drop(entry.TaskID)
		}
		e.log.WarnCtx("dropping queued task", map[string]any{"task_id": entry.TaskID, "branch_key": entry.BranchKey})
	}

	e.mu.Lock()
	cancel, reaping := e.cancel, e.reaping
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		e.pool.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for running tasks: %w", ctx.Err())
		cancel()
		<-done
	}
	cancel()
	<-reaping
	e.log.Info("engine stopped")
	return err
}

// Submit creates a task and queues it. A full queue fails with
// scheduler.ErrQueueFull and leaves no task record behind.
func (e *Engine) Submit(kind tasks.Kind, branchKey string, payload tasks.Payload) (tasks.Task, error) {
	res, err := e.sched.Reserve()
	if err != nil {
		e.metrics.Submitted(string(kind), rejection(err))
		return tasks.Task{}, err
	}

	task := e.registry.Create(kind, branchKey, payload)
	if err := res.Commit(scheduler.Entry{TaskID: task.ID, BranchKey: branchKey}); err != nil {
		if derr := e.registry.Discard(task.ID); derr != nil {
			e.log.ErrorCtx("discarding unqueued task", map[string]any{"task_id": task.ID, "error": derr.Error()})
		}
		e.metrics.Submitted(string(kind), rejection(err))
		return tasks.Task{}, err
	}

	e.metrics.Submitted(string(kind), "accepted")
	e.log.InfoCtx("task queued", map[string]any{
		"task_id":    task.ID,
		"kind":       string(kind),
		"branch_key": branchKey,
		"queued":     e.sched.Len(),
	})
	return task, nil
}

func rejection(err error) string {
	switch {
	case errors.Is(err, scheduler.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, scheduler.ErrClosed):
		return "closed"
	default:
		return "error"
	}
}

// SubmitNew validates payload and queues it as a new task.
func (e *Engine) SubmitNew(payload tasks.Payload) (tasks.Task, error) {
	if err := payload.Validate(); err != nil {
		return tasks.Task{}, err
	}
	payload.Review = nil
	key := naming.BranchKey(payload.TicketID, payload.RepositoryURL, payload.Description)
	return e.Submit(tasks.KindNewTask, key, payload)
}

// Retry queues a failed task's payload again as a new task. The failed
// record is left untouched.
func (e *Engine) Retry(id string) (tasks.Task, error) {
	prev, err := e.registry.Get(id)
	if err != nil {
		return tasks.Task{}, err
	}
	if prev.Status != tasks.StatusFailed {
		return tasks.Task{}, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, prev.Status)
	}
	task, err := e.Submit(prev.Kind, prev.BranchKey, prev.Payload)
	if err != nil {
		return tasks.Task{}, err
	}
	e.log.InfoCtx("task retried", map[string]any{"task_id": task.ID, "retry_of": id})
	return task, nil
}

// Get returns a task.
func (e *Engine) Get(id string) (tasks.Task, error) {
	return e.registry.Get(id)
}

// List returns tasks ordered by creation, optionally filtered by status.
func (e *Engine) List(status tasks.Status) []tasks.Task {
	all := e.registry.List()
	if status == "" {
		return all
	}
	out := all[:0]
	for _, t := range all {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// Logs returns the captured log lines of a task, restricted to source
// when it is not empty.
func (e *Engine) Logs(id, source string) ([]tasklog.Entry, error) {
	if _, err := e.registry.Get(id); err != nil {
		return nil, err
	}
	entries, ok := e.logs.Get(id, source)
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoLogs, id)
	}
	return entries, nil
}

// FollowLogs returns the lines a task logged after cursor. See
// tasklog.Store.Since.
func (e *Engine) FollowLogs(id string, cursor int) (tasklog.Batch, error) {
	if _, err := e.registry.Get(id); err != nil {
		return tasklog.Batch{}, err
	}
	return e.logs.Since(id, cursor), nil
}

// Wait blocks until the task is terminal or ctx ends.
func (e *Engine) Wait(ctx context.Context, id string) (tasks.Task, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		t, err := e.registry.Get(id)
		if err != nil {
			return tasks.Task{}, err
		}
		if t.Status.Terminal() || t.Status == tasks.StatusPurged {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ResolveBranch maps a codebot branch name to the branch key of its
// workspace.
func (e *Engine) ResolveBranch(branch string) (string, bool) {
	ws, ok := e.store.FindByBranch(branch)
	if !ok {
		return "", false
	}
	return ws.BranchKey, true
}

// Stats returns queue and task counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Queued:    e.sched.Len(),
		Capacity:  e.sched.Capacity(),
		HeldKeys:  e.sched.HeldCount(),
		Workers:   e.pool.Workers(),
		Tasks:     e.registry.Counts(),
		Workspace: len(e.store.List()),
	}
}

// Sweep runs one reaper cycle immediately.
func (e *Engine) Sweep() reaper.Report {
	return e.reaper.Sweep()
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Workspaces returns the workspace store.
func (e *Engine) Workspaces() *workspace.Store { return e.store }
