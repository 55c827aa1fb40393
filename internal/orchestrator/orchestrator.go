// Package orchestrator runs tasks. A fixed pool of workers pulls ready
// entries from the scheduler and drives each through the pipeline:
// workspace, agent, commit check, push, then pull request or reply.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marcus/codebot/internal/agents"
	"github.com/marcus/codebot/internal/integrations"
	"github.com/marcus/codebot/internal/logging"
	"github.com/marcus/codebot/internal/metrics"
	"github.com/marcus/codebot/internal/retry"
	"github.com/marcus/codebot/internal/scheduler"
	"github.com/marcus/codebot/internal/tasklog"
	"github.com/marcus/codebot/internal/tasks"
	"github.com/marcus/codebot/internal/workspace"
)

// Pipeline errors. Each is recorded on the failed task; none escapes a
// worker.
var (
	ErrNoChanges = errors.New("agent produced no commit")
	ErrPush      = errors.New("push failed")
	ErrPR        = errors.New("github request failed")
	ErrAgent     = errors.New("agent failed")
	ErrPanic     = errors.New("pipeline panicked")
)

// DefaultPushDelay is the pause before the single push retry.
const DefaultPushDelay = 5 * time.Second

// Workspaces is the subset of the workspace store a worker needs.
type Workspaces interface {
	Acquire(ctx context.Context, req workspace.AcquireRequest) (workspace.Workspace, error)
	Release(branchKey string)
}

// Pusher publishes a workspace branch.
type Pusher interface {
	Push(ctx context.Context, dir, branch string) error
}

// GitHub is the pull request and comment transport.
type GitHub interface {
	FindOpenPR(ctx context.Context, owner, repo, branch string) (*integrations.PullRequest, error)
	CreatePR(ctx context.Context, owner, repo string, in integrations.NewPR) (*integrations.PullRequest, error)
	UpdatePR(ctx context.Context, owner, repo string, number int, title, body string) (*integrations.PullRequest, error)
	Reply(ctx context.Context, t integrations.ReplyTarget, body string) (string, error)
}

// ContextSource finds repository guidance files for the agent.
type ContextSource interface {
	ContextFiles(ctx context.Context, workspacePath string) ([]string, error)
}

// Recorder keeps a history of finished tasks.
type Recorder interface {
	RecordTask(ctx context.Context, t tasks.Task) error
}

// Pool is a fixed set of workers sharing one scheduler and registry.
type Pool struct {
	registry *tasks.Registry
	sched    *scheduler.Scheduler

	store        Workspaces
	agent        agents.Agent
	pusher       Pusher
	github       GitHub
	contextFiles ContextSource
	history      Recorder
	logs         *tasklog.Store
	metrics      *metrics.Metrics

	workers      int
	pushPolicy   retry.Policy
	agentTimeout time.Duration
	logger       *logging.Logger
	eventHandler EventHandler

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithWorkspaces sets the workspace store.
func WithWorkspaces(s Workspaces) Option {
	return func(p *Pool) { p.store = s }
}

// WithAgent sets the code-modification agent.
func WithAgent(a agents.Agent) Option {
	return func(p *Pool) { p.agent = a }
}

// WithPusher sets the git push transport.
func WithPusher(g Pusher) Option {
	return func(p *Pool) { p.pusher = g }
}

// WithGitHub sets the GitHub transport.
func WithGitHub(g GitHub) Option {
	return func(p *Pool) { p.github = g }
}

// WithContextSource sets where agent context files come from.
func WithContextSource(c ContextSource) Option {
	return func(p *Pool) { p.contextFiles = c }
}

// WithHistory records every finished task.
func WithHistory(r Recorder) Option {
	return func(p *Pool) { p.history = r }
}

// WithTaskLogs captures per-task log lines.
func WithTaskLogs(s *tasklog.Store) Option {
	return func(p *Pool) { p.logs = s }
}

// WithMetrics sets the collectors to update.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithPushRetry sets the push retry policy. Default: retry.Once(DefaultPushDelay).
func WithPushRetry(rp retry.Policy) Option {
	return func(p *Pool) { p.pushPolicy = rp }
}

// WithAgentTimeout overrides the agent's own timeout.
func WithAgentTimeout(d time.Duration) Option {
	return func(p *Pool) { p.agentTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithEventHandler sets an optional callback for real-time pool events.
func WithEventHandler(h EventHandler) Option {
	return func(p *Pool) { p.eventHandler = h }
}

// New creates a pool over registry and sched.
func New(registry *tasks.Registry, sched *scheduler.Scheduler, opts ...Option) *Pool {
	p := &Pool{
		registry:     registry,
		sched:        sched,
		workers:      1,
		pushPolicy:   retry.Once(DefaultPushDelay),
		contextFiles: integrations.NewManager(),
		logger:       logging.Component("orchestrator"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int { return p.workers }

// Start launches the workers. They run until ctx ends or the scheduler
// is closed.
func (p *Pool) Start(ctx context.Context) error {
	switch {
	case p.registry == nil || p.sched == nil:
		return errors.New("pool needs a registry and a scheduler")
	case p.store == nil:
		return errors.New("no workspace store configured")
	case p.agent == nil:
		return errors.New("no agent configured")
	case p.pusher == nil:
		return errors.New("no git pusher configured")
	case p.github == nil:
		return errors.New("no github client configured")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pool already started")
	}
	p.started = true

	for i := 1; i <= p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.InfoCtx("worker pool started", map[string]any{"workers": p.workers})
	return nil
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		entry, err := p.sched.NextReady(ctx)
		if err != nil {
			if !errors.Is(err, scheduler.ErrClosed) && !errors.Is(err, context.Canceled) {
				p.logger.WarnCtx("worker stopping", map[string]any{"worker_id": id, "error": err.Error()})
			}
			return
		}
		p.execute(ctx, id, entry)
	}
}

// execute owns one task from Running to its terminal status. The branch
// key is always released, whatever happens inside the pipeline.
func (p *Pool) execute(ctx context.Context, worker int, entry scheduler.Entry) {
	defer p.sched.Release(entry.BranchKey)

	task, err := p.registry.Transition(entry.TaskID, tasks.StatusRunning, nil)
	if err != nil {
		p.logger.ErrorCtx("cannot start task", map[string]any{
			"task_id": entry.TaskID, "worker_id": worker, "error": err.Error(),
		})
		return
	}
	defer p.store.Release(task.BranchKey)

	p.metrics.WorkerBusy(1)
	defer p.metrics.WorkerBusy(-1)

	log := p.taskLogger(task, worker)
	log.InfoCtx("task started", map[string]any{"kind": string(task.Kind)})
	p.emit(Event{Type: EventTaskStart, Worker: worker, TaskID: task.ID, BranchKey: task.BranchKey})
	start := time.Now()

	res, runErr := p.safeRun(ctx, log, worker, task)

	status := tasks.StatusSucceeded
	if runErr != nil {
		status = tasks.StatusFailed
		res.Error = runErr.Error()
	}
	final, err := p.registry.Transition(task.ID, status, res)
	if err != nil {
		log.ErrorCtx("cannot finish task", map[string]any{"error": err.Error()})
		return
	}

	fields := map[string]any{"status": string(status), "duration": time.Since(start).String()}
	if runErr != nil {
		fields["error"] = runErr.Error()
		log.ErrorCtx("task failed", fields)
	} else {
		log.InfoCtx("task succeeded", fields)
	}

	p.metrics.TaskFinished(string(final.Kind), string(final.Status))
	if p.history != nil {
		if err := p.history.RecordTask(context.WithoutCancel(ctx), final); err != nil {
			log.WarnCtx("recording history", map[string]any{"error": err.Error()})
		}
	}
	p.emit(Event{
		Type:      EventTaskEnd,
		Worker:    worker,
		TaskID:    task.ID,
		BranchKey: task.BranchKey,
		Status:    status,
		Duration:  time.Since(start),
		Error:     res.Error,
	})
}

// safeRun runs the pipeline and turns a panic into a task failure.
func (p *Pool) safeRun(ctx context.Context, log *logging.Logger, worker int, task tasks.Task) (res *tasks.Result, err error) {
	res = &tasks.Result{}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	switch task.Kind {
	case tasks.KindNewTask:
		err = p.runNewTask(ctx, log, worker, task, res)
	case tasks.KindReviewReply:
		err = p.runReply(ctx, log, worker, task, res)
	default:
		err = fmt.Errorf("unknown task kind %q", task.Kind)
	}
	return res, err
}

func (p *Pool) taskLogger(task tasks.Task, worker int) *logging.Logger {
	l := p.logger.WithFields(map[string]any{
		"task_id":    task.ID,
		"branch_key": task.BranchKey,
		"worker_id":  worker,
	})
	if p.logs != nil {
		l = l.Tee(p.logs.Writer(task.ID, tasklog.SourceCodebot))
	}
	return l
}

// emit sends an event to the registered handler, if any.
func (p *Pool) emit(e Event) {
	if p.eventHandler != nil {
		e.Time = time.Now()
		p.eventHandler(e)
	}
}

// step times fn and reports it as one pipeline step.
func (p *Pool) step(worker int, task tasks.Task, s Step, fn func() error) error {
	p.emit(Event{Type: EventStepStart, Worker: worker, TaskID: task.ID, BranchKey: task.BranchKey, Step: s})
	start := time.Now()
	err := fn()
	p.metrics.ObserveStep(string(s), start)

	e := Event{
		Type:      EventStepEnd,
		Worker:    worker,
		TaskID:    task.ID,
		BranchKey: task.BranchKey,
		Step:      s,
		Duration:  time.Since(start),
	}
	if err != nil {
		e.Error = err.Error()
	}
	p.emit(e)
	return err
}
