package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marcus/codebot/internal/agents"
	"github.com/marcus/codebot/internal/integrations"
	"github.com/marcus/codebot/internal/naming"
	"github.com/marcus/codebot/internal/scheduler"
	"github.com/marcus/codebot/internal/tasks"
)

// fakeGit clones nothing; the workspace directory is enough for the store.
type fakeGit struct {
	mu     sync.Mutex
	pushes []string
}

func (g *fakeGit) Clone(context.Context, string, string) error { return nil }

func (g *fakeGit) DefaultBranch(context.Context, string) (string, error) { return "main", nil }

func (g *fakeGit) Sync(context.Context, string, string, string) error { return nil }

func (g *fakeGit) Push(_ context.Context, _, branch string) error {
	g.mu.Lock()
	g.pushes = append(g.pushes, branch)
	g.mu.Unlock()
	return nil
}

type fakeGitHub struct {
	mu      sync.Mutex
	created []integrations.NewPR
	replies []string
}

func (g *fakeGitHub) FindOpenPR(context.Context, string, string, string) (*integrations.PullRequest, error) {
	return nil, nil
}

func (g *fakeGitHub) CreatePR(_ context.Context, owner, repo string, in integrations.NewPR) (*integrations.PullRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, in)
	n := len(g.created)
	return &integrations.PullRequest{
		Number:     n,
		URL:        fmt.Sprintf("https://github.com/%s/%s/pull/%d", owner, repo, n),
		HeadBranch: in.Head,
		BaseBranch: in.Base,
	}, nil
}

func (g *fakeGitHub) UpdatePR(_ context.Context, _, _ string, number int, title, body string) (*integrations.PullRequest, error) {
	return &integrations.PullRequest{Number: number, Title: title, Body: body}, nil
}

func (g *fakeGitHub) Reply(_ context.Context, _ integrations.ReplyTarget, body string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies = append(g.replies, body)
	return "https://github.com/acme/widgets/pull/1#issuecomment-1", nil
}

func (g *fakeGitHub) GetPR(_ context.Context, _, _ string, number int) (*integrations.PullRequest, error) {
	return &integrations.PullRequest{Number: number}, nil
}

// gatedAgent blocks every run until release is closed.
type gatedAgent struct {
	release chan struct{}
	fail    bool
}

func (a *gatedAgent) Name() string { return "gated" }

func (a *gatedAgent) Run(ctx context.Context, _ agents.RunOptions) (*agents.RunResult, error) {
	select {
	case <-a.release:
	case <-ctx.Done():
		return &agents.RunResult{Error: ctx.Err().Error()}, ctx.Err()
	}
	if a.fail {
		return &agents.RunResult{ExitCode: 1, Error: "boom"}, errors.New("boom")
	}
	return &agents.RunResult{Committed: true, CommitRefs: []string{"feedfacecafebeef"}}, nil
}

func open() *gatedAgent {
	a := &gatedAgent{release: make(chan struct{})}
	close(a.release)
	return a
}

func newEngine(t *testing.T, queue int, agent agents.Agent) (*Engine, *fakeGit, *fakeGitHub) {
	t.Helper()
	git := &fakeGit{}
	gh := &fakeGitHub{}
	e, err := New(Settings{
		Workers:        2,
		QueueSize:      queue,
		Retention:      time.Hour,
		ReaperInterval: time.Hour,
		WorkspaceDir:   t.TempDir(),
		PushRetryDelay: time.Millisecond,
	}, git, gh, agent)
	if err != nil {
		t.Fatal(err)
	}
	return e, git, gh
}

func payload(desc string) tasks.Payload {
	return tasks.Payload{
		RepositoryURL: "https://github.com/acme/widgets.git",
		Description:   desc,
		TicketID:      "PROJ-7",
	}
}

func waitFor(t *testing.T, e *Engine, id string) tasks.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := e.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s) = %v (status %s)", id, err, task.Status)
	}
	return task
}

func stop(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Stop(ctx); err != nil {
		t.Errorf("Stop = %v", err)
	}
}

func TestSubmitNewRunsToPR(t *testing.T) {
	e, git, gh := newEngine(t, 10, open())
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stop(t, e)

	task, err := e.SubmitNew(payload("Add pagination to the list endpoint"))
	if err != nil {
		t.Fatal(err)
	}
	want := naming.BranchKey("PROJ-7", "https://github.com/acme/widgets.git", "Add pagination to the list endpoint")
	if task.BranchKey != want {
		t.Errorf("branch key = %q, want %q", task.BranchKey, want)
	}

	done := waitFor(t, e, task.ID)
	if done.Status != tasks.StatusSucceeded {
		t.Fatalf("status = %s, result %+v", done.Status, done.Result)
	}
	if done.Result.PRURL == "" {
		t.Error("result has no PR url")
	}
	if len(git.pushes) != 1 || len(gh.created) != 1 {
		t.Errorf("pushes = %v, created = %d", git.pushes, len(gh.created))
	}

	key, ok := e.ResolveBranch(gh.created[0].Head)
	if !ok || key != task.BranchKey {
		t.Errorf("ResolveBranch = %q, %v", key, ok)
	}
	if _, ok := e.ResolveBranch("feature/manual"); ok {
		t.Error("unmanaged branch resolved")
	}
}

func TestSubmitNewRejectsInvalidPayload(t *testing.T) {
	e, _, _ := newEngine(t, 10, open())
	_, err := e.SubmitNew(tasks.Payload{Description: "no repository"})
	if !errors.Is(err, tasks.ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}
	if n := len(e.List("")); n != 0 {
		t.Errorf("registry has %d tasks", n)
	}
}

func TestQueueFullLeavesNoRecord(t *testing.T) {
	e, _, _ := newEngine(t, 1, open())

	if _, err := e.Submit(tasks.KindNewTask, "A", payload("a")); err != nil {
		t.Fatal(err)
	}
	_, err := e.Submit(tasks.KindNewTask, "B", payload("b"))
	if !errors.Is(err, scheduler.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if n := len(e.List("")); n != 1 {
		t.Errorf("registry has %d tasks, want 1", n)
	}
	if s := e.Stats(); s.Queued != 1 || s.Capacity != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRetry(t *testing.T) {
	agent := &gatedAgent{release: make(chan struct{}), fail: true}
	close(agent.release)
	e, _, _ := newEngine(t, 10, agent)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stop(t, e)

	task, err := e.SubmitNew(payload("Fix flaky test"))
	if err != nil {
		t.Fatal(err)
	}
	failed := waitFor(t, e, task.ID)
	if failed.Status != tasks.StatusFailed {
		t.Fatalf("status = %s", failed.Status)
	}

	again, err := e.Retry(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID == task.ID || again.BranchKey != task.BranchKey || again.Payload.Description != "Fix flaky test" {
		t.Errorf("retry = %+v", again)
	}
	waitFor(t, e, again.ID)

	if _, err := e.Retry("missing"); !errors.Is(err, tasks.ErrNotFound) {
		t.Errorf("Retry(missing) = %v", err)
	}
}

func TestRetryRejectsUnfailed(t *testing.T) {
	e, _, _ := newEngine(t, 10, open())
	task, err := e.Submit(tasks.KindNewTask, "K", payload("x"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Retry(task.ID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("Retry(queued) = %v, want ErrNotRetryable", err)
	}
}

func TestLogsCaptured(t *testing.T) {
	e, _, _ := newEngine(t, 10, open())
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stop(t, e)

	task, err := e.SubmitNew(payload("Write docs"))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, e, task.ID)

	lines, err := e.Logs(task.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) == 0 {
		t.Error("no log lines captured")
	}
	if _, err := e.Logs("missing", ""); !errors.Is(err, tasks.ErrNotFound) {
		t.Errorf("Logs(missing) = %v", err)
	}

	batch, err := e.FollowLogs(task.ID, 0)
	if err != nil || len(batch.Entries) != len(lines) || batch.Next != len(lines) {
		t.Errorf("FollowLogs = %d entries next %d, %v; want %d", len(batch.Entries), batch.Next, err, len(lines))
	}
	if _, err := e.FollowLogs("missing", 0); !errors.Is(err, tasks.ErrNotFound) {
		t.Errorf("FollowLogs(missing) = %v", err)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	e, _, _ := newEngine(t, 10, open())
	for _, k := range []string{"A", "B"} {
		if _, err := e.Submit(tasks.KindNewTask, k, payload(k)); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(e.List(tasks.StatusQueued)); n != 2 {
		t.Errorf("queued = %d, want 2", n)
	}
	if n := len(e.List(tasks.StatusRunning)); n != 0 {
		t.Errorf("running = %d, want 0", n)
	}
}

func TestStopDropsQueuedAndFinishesRunning(t *testing.T) {
	agent := &gatedAgent{release: make(chan struct{})}
	e, _, _ := newEngine(t, 10, agent)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	running, err := e.Submit(tasks.KindNewTask, "K", payload("first"))
	if err != nil {
		t.Fatal(err)
	}
	queued, err := e.Submit(tasks.KindNewTask, "K", payload("second"))
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		task, _ := e.Get(running.ID)
		if task.Status == tasks.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first task never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- e.Stop(ctx)
	}()
	close(agent.release)

	if err := <-stopped; err != nil {
		t.Fatalf("Stop = %v", err)
	}
	task, err := e.Get(running.ID)
	if err != nil || task.Status != tasks.StatusSucceeded {
		t.Errorf("running task = %+v, %v", task, err)
	}
	if _, err := e.Get(queued.ID); !errors.Is(err, tasks.ErrNotFound) {
		t.Errorf("queued task still recorded: %v", err)
	}
	if _, err := e.Submit(tasks.KindNewTask, "K", payload("late")); !errors.Is(err, scheduler.ErrClosed) {
		t.Errorf("Submit after stop = %v, want ErrClosed", err)
	}
}

func waitRunning(t *testing.T, e *Engine, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		task, _ := e.Get(id)
		if task.Status == tasks.StatusRunning {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s never started", id)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartContextCancelDrainsRunning(t *testing.T) {
	agent := &gatedAgent{release: make(chan struct{})}
	e, _, _ := newEngine(t, 10, agent)
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}

	task, err := e.Submit(tasks.KindNewTask, "K", payload("drain me"))
	if err != nil {
		t.Fatal(err)
	}
	waitRunning(t, e, task.ID)

	// a signal cancels the caller's context before Stop is called
	cancel()
	time.Sleep(50 * time.Millisecond)
	if got, _ := e.Get(task.ID); got.Status != tasks.StatusRunning {
		t.Fatalf("status after cancel = %s, want running", got.Status)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(agent.release)
	}()
	stop(t, e)

	done, err := e.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != tasks.StatusSucceeded {
		t.Errorf("status = %s (%+v), want succeeded", done.Status, done.Result)
	}
}

func TestStopTimeoutCancelsRunning(t *testing.T) {
	agent := &gatedAgent{release: make(chan struct{})}
	e, _, _ := newEngine(t, 10, agent)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	task, err := e.Submit(tasks.KindNewTask, "K", payload("stuck"))
	if err != nil {
		t.Fatal(err)
	}
	waitRunning(t, e, task.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop = %v, want deadline exceeded", err)
	}
	if done, _ := e.Get(task.ID); done.Status != tasks.StatusFailed {
		t.Errorf("status = %s, want failed", done.Status)
	}
}

func TestStartTwice(t *testing.T) {
	e, _, _ := newEngine(t, 10, open())
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stop(t, e)
	if err := e.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
}
