package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcus/codebot/internal/agents"
	"github.com/marcus/codebot/internal/classify"
	"github.com/marcus/codebot/internal/integrations"
	"github.com/marcus/codebot/internal/retry"
	"github.com/marcus/codebot/internal/scheduler"
	"github.com/marcus/codebot/internal/tasklog"
	"github.com/marcus/codebot/internal/tasks"
	"github.com/marcus/codebot/internal/workspace"
)

// mockAgent implements agents.Agent for testing.
type mockAgent struct {
	mu    sync.Mutex
	calls []agents.RunOptions
	// OnRun overrides the default committed result.
	OnRun func(opts agents.RunOptions) (*agents.RunResult, error)
}

func (m *mockAgent) Name() string { return "mock" }

func (m *mockAgent) Run(_ context.Context, opts agents.RunOptions) (*agents.RunResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, opts)
	hook := m.OnRun
	m.mu.Unlock()
	if hook != nil {
		return hook(opts)
	}
	return &agents.RunResult{Committed: true, CommitRefs: []string{"0123456789abcdef"}}, nil
}

func (m *mockAgent) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// fakeStore hands out one workspace per branch key.
type fakeStore struct {
	mu       sync.Mutex
	root     string
	acquired map[string]int
	released map[string]int
	err      error
}

func newFakeStore(t *testing.T) *fakeStore {
	return &fakeStore{root: t.TempDir(), acquired: map[string]int{}, released: map[string]int{}}
}

func (s *fakeStore) Acquire(_ context.Context, req workspace.AcquireRequest) (workspace.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return workspace.Workspace{}, s.err
	}
	s.acquired[req.BranchKey]++
	branch := req.Branch
	if branch == "" {
		branch = "u/codebot/abc1234/" + strings.ToLower(req.BranchKey)
	}
	return workspace.Workspace{
		BranchKey:  req.BranchKey,
		Path:       filepath.Join(s.root, req.BranchKey),
		Branch:     branch,
		BaseBranch: "main",
	}, nil
}

func (s *fakeStore) Release(key string) {
	s.mu.Lock()
	s.released[key]++
	s.mu.Unlock()
}

// fakePusher fails the first failures pushes.
type fakePusher struct {
	mu       sync.Mutex
	pushes   int
	failures int
}

func (p *fakePusher) Push(_ context.Context, dir, branch string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes++
	if p.pushes <= p.failures {
		return errors.New("remote hung up")
	}
	return nil
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushes
}

// fakeGitHub keeps open pull requests by head branch.
type fakeGitHub struct {
	mu      sync.Mutex
	open    map[string]*integrations.PullRequest
	created int
	updated int
	replies []integrations.ReplyTarget
	bodies  []string
	next    int
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{open: map[string]*integrations.PullRequest{}, next: 1}
}

func (g *fakeGitHub) FindOpenPR(_ context.Context, owner, repo, branch string) (*integrations.PullRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open[branch], nil
}

func (g *fakeGitHub) CreatePR(_ context.Context, owner, repo string, in integrations.NewPR) (*integrations.PullRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created++
	pr := &integrations.PullRequest{
		Number:     g.next,
		URL:        fmt.Sprintf("https://github.com/%s/%s/pull/%d", owner, repo, g.next),
		Title:      in.Title,
		Body:       in.Body,
		HeadBranch: in.Head,
		BaseBranch: in.Base,
	}
	g.next++
	g.open[in.Head] = pr
	return pr, nil
}

func (g *fakeGitHub) UpdatePR(_ context.Context, owner, repo string, number int, title, body string) (*integrations.PullRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updated++
	for _, pr := range g.open {
		if pr.Number == number {
			pr.Title, pr.Body = title, body
			return pr, nil
		}
	}
	return nil, errors.New("not found")
}

func (g *fakeGitHub) Reply(_ context.Context, t integrations.ReplyTarget, body string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies = append(g.replies, t)
	g.bodies = append(g.bodies, body)
	return fmt.Sprintf("https://github.com/%s/%s/pull/%d#reply-%d", t.Owner, t.Repo, t.PRNumber, len(g.replies)), nil
}

type noContext struct{}

func (noContext) ContextFiles(context.Context, string) ([]string, error) { return nil, nil }

type fakeHistory struct {
	mu   sync.Mutex
	runs []tasks.Task
}

func (h *fakeHistory) RecordTask(_ context.Context, t tasks.Task) error {
	h.mu.Lock()
	h.runs = append(h.runs, t)
	h.mu.Unlock()
	return nil
}

type harness struct {
	reg     *tasks.Registry
	sched   *scheduler.Scheduler
	store   *fakeStore
	agent   *mockAgent
	pusher  *fakePusher
	github  *fakeGitHub
	history *fakeHistory
	logs    *tasklog.Store
	pool    *Pool
}

func newHarness(t *testing.T, workers int, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		reg:     tasks.NewRegistry(),
		sched:   scheduler.New(10),
		store:   newFakeStore(t),
		agent:   &mockAgent{},
		pusher:  &fakePusher{},
		github:  newFakeGitHub(),
		history: &fakeHistory{},
		logs:    tasklog.New(100),
	}
	base := []Option{
		WithWorkers(workers),
		WithWorkspaces(h.store),
		WithAgent(h.agent),
		WithPusher(h.pusher),
		WithGitHub(h.github),
		WithContextSource(noContext{}),
		WithHistory(h.history),
		WithTaskLogs(h.logs),
		WithPushRetry(retry.Once(0)),
	}
	h.pool = New(h.reg, h.sched, append(base, opts...)...)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		h.sched.Close()
		h.pool.Wait()
	})
}

func (h *harness) submit(t *testing.T, kind tasks.Kind, key string, pl tasks.Payload) tasks.Task {
	t.Helper()
	task := h.reg.Create(kind, key, pl)
	if err := h.sched.Submit(scheduler.Entry{TaskID: task.ID, BranchKey: key}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return task
}

func (h *harness) wait(t *testing.T, id string) tasks.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := h.reg.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if task.Status.Terminal() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", id)
	return tasks.Task{}
}

func newPayload(desc string) tasks.Payload {
	return tasks.Payload{RepositoryURL: "https://github.com/acme/widgets.git", Description: desc}
}

func TestStartRequiresCollaborators(t *testing.T) {
	p := New(tasks.NewRegistry(), scheduler.New(1))
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected error without workspace store")
	}
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, 1)
	h.start(t)
	if err := h.pool.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestNewTaskOpensPR(t *testing.T) {
	h := newHarness(t, 1)
	h.start(t)

	task := h.submit(t, tasks.KindNewTask, "K1", tasks.Payload{
		RepositoryURL: "https://github.com/acme/widgets.git",
		Description:   "Add a README",
		TicketID:      "PROJ-1",
		TicketSummary: "Add readme",
	})
	done := h.wait(t, task.ID)

	if done.Status != tasks.StatusSucceeded {
		t.Fatalf("status = %s (%+v)", done.Status, done.Result)
	}
	if done.Result.PRURL != "https://github.com/acme/widgets/pull/1" {
		t.Errorf("PRURL = %q", done.Result.PRURL)
	}
	if done.Result.BranchName != "u/codebot/abc1234/k1" || len(done.Result.Commits) != 1 {
		t.Errorf("result = %+v", done.Result)
	}
	if h.github.created != 1 || h.pusher.count() != 1 {
		t.Errorf("created=%d pushes=%d", h.github.created, h.pusher.count())
	}
	pr := h.github.open["u/codebot/abc1234/k1"]
	if pr.Title != "[PROJ-1] Add readme" || pr.BaseBranch != "main" {
		t.Errorf("pr = %+v", pr)
	}
	if !strings.Contains(h.agent.calls[0].Prompt, "Add a README") {
		t.Errorf("prompt missing description: %s", h.agent.calls[0].Prompt)
	}
	if lines, ok := h.logs.Get(task.ID, tasklog.SourceCodebot); !ok || len(lines) == 0 {
		t.Error("expected captured task log lines")
	}
}

func TestAgentOutputCaptured(t *testing.T) {
	h := newHarness(t, 1)
	h.agent.OnRun = func(opts agents.RunOptions) (*agents.RunResult, error) {
		_, _ = io.WriteString(opts.Stdout, "reading main.go\nediting")
		_, _ = io.WriteString(opts.Stderr, "rate limited, retrying\n")
		return &agents.RunResult{Committed: true, CommitRefs: []string{"0123456789abcdef"}}, nil
	}
	h.start(t)

	task := h.submit(t, tasks.KindNewTask, "K", newPayload("capture"))
	if done := h.wait(t, task.ID); done.Status != tasks.StatusSucceeded {
		t.Fatalf("status = %s (%+v)", done.Status, done.Result)
	}

	stdout, _ := h.logs.Get(task.ID, tasklog.SourceStdout)
	if len(stdout) != 2 || stdout[0].Message != "reading main.go" || stdout[1].Message != "editing" {
		t.Errorf("stdout entries = %+v", stdout)
	}
	stderr, _ := h.logs.Get(task.ID, tasklog.SourceStderr)
	if len(stderr) != 1 || stderr[0].Message != "rate limited, retrying" {
		t.Errorf("stderr entries = %+v", stderr)
	}
}

func TestNoChangesFails(t *testing.T) {
	h := newHarness(t, 1)
	h.agent.OnRun = func(agents.RunOptions) (*agents.RunResult, error) {
		return &agents.RunResult{Output: "nothing to do"}, nil
	}
	h.start(t)

	done := h.wait(t, h.submit(t, tasks.KindNewTask, "K", newPayload("noop")).ID)
	if done.Status != tasks.StatusFailed {
		t.Fatalf("status = %s", done.Status)
	}
	if !strings.Contains(done.Result.Error, ErrNoChanges.Error()) {
		t.Errorf("error = %q", done.Result.Error)
	}
	if h.pusher.count() != 0 || h.github.created != 0 {
		t.Error("nothing should be pushed or opened")
	}
}

func TestAgentFailure(t *testing.T) {
	h := newHarness(t, 1)
	h.agent.OnRun = func(agents.RunOptions) (*agents.RunResult, error) {
		return &agents.RunResult{ExitCode: 2, Error: "boom"}, errors.New("claude exited with code 2")
	}
	h.start(t)

	done := h.wait(t, h.submit(t, tasks.KindNewTask, "K", newPayload("x")).ID)
	if done.Status != tasks.StatusFailed || !strings.Contains(done.Result.Error, "boom") {
		t.Errorf("task = %+v %+v", done.Status, done.Result)
	}
}

func TestWorkspaceFailure(t *testing.T) {
	h := newHarness(t, 1)
	h.store.err = &workspace.SetupError{BranchKey: "K", Attempts: 2, Err: errors.New("clone refused")}
	h.start(t)

	done := h.wait(t, h.submit(t, tasks.KindNewTask, "K", newPayload("x")).ID)
	if done.Status != tasks.StatusFailed || !strings.Contains(done.Result.Error, "clone refused") {
		t.Errorf("task = %+v %+v", done.Status, done.Result)
	}
	if h.agent.callCount() != 0 {
		t.Error("agent must not run without a workspace")
	}
}

func TestPushRetry(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		wantStatus tasks.Status
	}{
		{"first attempt fails", 1, tasks.StatusSucceeded},
		{"both attempts fail", 2, tasks.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1)
			h.pusher.failures = tt.failures
			h.start(t)

			done := h.wait(t, h.submit(t, tasks.KindNewTask, "K", newPayload("x")).ID)
			if done.Status != tt.wantStatus {
				t.Fatalf("status = %s (%+v)", done.Status, done.Result)
			}
			if h.pusher.count() != 2 {
				t.Errorf("pushes = %d, want 2", h.pusher.count())
			}
			if tt.wantStatus == tasks.StatusFailed && !strings.Contains(done.Result.Error, ErrPush.Error()) {
				t.Errorf("error = %q", done.Result.Error)
			}
		})
	}
}

func TestExistingPRIsUpdated(t *testing.T) {
	h := newHarness(t, 1)
	h.github.open["u/codebot/abc1234/k"] = &integrations.PullRequest{Number: 9, URL: "https://github.com/acme/widgets/pull/9"}
	h.start(t)

	done := h.wait(t, h.submit(t, tasks.KindNewTask, "K", newPayload("again")).ID)
	if done.Status != tasks.StatusSucceeded {
		t.Fatalf("status = %s", done.Status)
	}
	if h.github.created != 0 || h.github.updated != 1 {
		t.Errorf("created=%d updated=%d", h.github.created, h.github.updated)
	}
	if done.Result.PRURL != "https://github.com/acme/widgets/pull/9" {
		t.Errorf("PRURL = %s", done.Result.PRURL)
	}
}

func TestSameKeyTasksShareOnePR(t *testing.T) {
	h := newHarness(t, 3)
	h.start(t)

	a := h.submit(t, tasks.KindNewTask, "K", newPayload("same"))
	b := h.submit(t, tasks.KindNewTask, "K", newPayload("same"))
	h.wait(t, a.ID)
	h.wait(t, b.ID)

	if h.github.created != 1 || h.github.updated != 1 {
		t.Errorf("created=%d updated=%d, want 1 and 1", h.github.created, h.github.updated)
	}
}

func TestSameKeyIsSerialized(t *testing.T) {
	h := newHarness(t, 4)
	var (
		mu      sync.Mutex
		running = map[string]int{}
		overlap bool
	)
	h.agent.OnRun = func(opts agents.RunOptions) (*agents.RunResult, error) {
		key := filepath.Base(opts.WorkDir)
		mu.Lock()
		running[key]++
		if running[key] > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		running[key]--
		mu.Unlock()
		return &agents.RunResult{Committed: true, CommitRefs: []string{"c"}}, nil
	}
	h.start(t)

	var ids []string
	for i := 0; i < 6; i++ {
		key := "A"
		if i%2 == 1 {
			key = "B"
		}
		ids = append(ids, h.submit(t, tasks.KindNewTask, key, newPayload(fmt.Sprintf("t%d", i))).ID)
	}
	var finished []tasks.Task
	for _, id := range ids {
		finished = append(finished, h.wait(t, id))
	}

	if overlap {
		t.Error("two tasks with the same key ran at once")
	}
	for i := 0; i < len(finished); i++ {
		for j := i + 1; j < len(finished); j++ {
			x, y := finished[i], finished[j]
			if x.BranchKey != y.BranchKey {
				continue
			}
			if !y.StartedAt.After(*x.FinishedAt) && !y.StartedAt.Equal(*x.FinishedAt) {
				t.Errorf("%s started before %s finished", y.ID, x.ID)
			}
		}
	}
}

func TestIndependentKeyDoesNotWait(t *testing.T) {
	h := newHarness(t, 2)
	unblock := make(chan struct{})
	h.agent.OnRun = func(opts agents.RunOptions) (*agents.RunResult, error) {
		if filepath.Base(opts.WorkDir) == "K1" {
			<-unblock
		}
		return &agents.RunResult{Committed: true, CommitRefs: []string{"c"}}, nil
	}
	h.start(t)

	a := h.submit(t, tasks.KindNewTask, "K1", newPayload("slow"))
	b := h.submit(t, tasks.KindNewTask, "K2", newPayload("fast"))

	done := h.wait(t, b.ID)
	if done.Status != tasks.StatusSucceeded {
		t.Errorf("b status = %s", done.Status)
	}
	if got, _ := h.reg.Get(a.ID); got.Status.Terminal() {
		t.Errorf("a finished before it was unblocked: %s", got.Status)
	}
	close(unblock)
	h.wait(t, a.ID)
}

func TestPanicIsRecovered(t *testing.T) {
	h := newHarness(t, 1)
	var once sync.Once
	h.agent.OnRun = func(opts agents.RunOptions) (*agents.RunResult, error) {
		panicked := false
		once.Do(func() { panicked = true })
		if panicked {
			panic("agent blew up")
		}
		return &agents.RunResult{Committed: true, CommitRefs: []string{"c"}}, nil
	}
	h.start(t)

	first := h.wait(t, h.submit(t, tasks.KindNewTask, "K", newPayload("a")).ID)
	second := h.wait(t, h.submit(t, tasks.KindNewTask, "K", newPayload("b")).ID)

	if first.Status != tasks.StatusFailed || !strings.Contains(first.Result.Error, "agent blew up") {
		t.Errorf("first = %s %+v", first.Status, first.Result)
	}
	if second.Status != tasks.StatusSucceeded {
		t.Errorf("second = %s", second.Status)
	}
	if h.sched.IsHeld("K") {
		t.Error("key still held after tasks finished")
	}
}

func replyPayload(intent classify.Intent, kind tasks.CommentKind, comment string) tasks.Payload {
	return tasks.Payload{
		RepositoryURL: "https://github.com/acme/widgets",
		Description:   comment,
		Review: &tasks.ReviewTarget{
			Owner:       "acme",
			Repo:        "widgets",
			PRNumber:    4,
			PRTitle:     "Add readme",
			HeadBranch:  "u/codebot/abc1234/add-readme",
			CommentID:   77,
			CommentKind: kind,
			Intent:      intent,
		},
	}
}

func TestReplyChangeRequest(t *testing.T) {
	h := newHarness(t, 1)
	h.start(t)

	done := h.wait(t, h.submit(t, tasks.KindReviewReply, "K",
		replyPayload(classify.ChangeRequest, tasks.CommentReview, "Please rename this variable")).ID)
	if done.Status != tasks.StatusSucceeded {
		t.Fatalf("status = %s %+v", done.Status, done.Result)
	}
	if h.pusher.count() != 1 || len(h.github.replies) != 1 {
		t.Fatalf("pushes=%d replies=%d", h.pusher.count(), len(h.github.replies))
	}
	if !h.github.replies[0].InThread || h.github.replies[0].CommentID != 77 {
		t.Errorf("reply target = %+v", h.github.replies[0])
	}
	body := h.github.bodies[0]
	if !strings.Contains(body, "0123456789ab") || !strings.Contains(body, integrations.ReplyMarker) {
		t.Errorf("reply body = %q", body)
	}
	if !strings.Contains(h.agent.calls[0].Prompt, "change request") {
		t.Errorf("prompt = %s", h.agent.calls[0].Prompt)
	}
	if done.Result.BranchName != "u/codebot/abc1234/add-readme" {
		t.Errorf("branch = %s", done.Result.BranchName)
	}
}

func TestReplyQuery(t *testing.T) {
	h := newHarness(t, 1)
	h.agent.OnRun = func(agents.RunOptions) (*agents.RunResult, error) {
		return &agents.RunResult{Answer: "It returns the count.", Output: "It returns the count.\n"}, nil
	}
	h.start(t)

	done := h.wait(t, h.submit(t, tasks.KindReviewReply, "K",
		replyPayload(classify.Query, tasks.CommentIssue, "What does this return?")).ID)
	if done.Status != tasks.StatusSucceeded {
		t.Fatalf("status = %s %+v", done.Status, done.Result)
	}
	if h.pusher.count() != 0 {
		t.Error("queries must not push")
	}
	if done.Result.Answer != "It returns the count." {
		t.Errorf("answer = %q", done.Result.Answer)
	}
	if h.github.replies[0].InThread {
		t.Error("issue comments are answered in the conversation")
	}
	if !strings.HasPrefix(h.github.bodies[0], "It returns the count.") {
		t.Errorf("body = %q", h.github.bodies[0])
	}
}

func TestReplyChangeRequestWithoutCommit(t *testing.T) {
	h := newHarness(t, 1)
	h.agent.OnRun = func(agents.RunOptions) (*agents.RunResult, error) {
		return &agents.RunResult{Answer: "done"}, nil
	}
	h.start(t)

	done := h.wait(t, h.submit(t, tasks.KindReviewReply, "K",
		replyPayload(classify.ChangeRequest, tasks.CommentReview, "Please fix the typo")).ID)
	if done.Status != tasks.StatusFailed || len(h.github.replies) != 0 {
		t.Errorf("status=%s replies=%d", done.Status, len(h.github.replies))
	}
}

func TestEventsAndHistory(t *testing.T) {
	var (
		mu     sync.Mutex
		events []Event
	)
	h := newHarness(t, 1, WithEventHandler(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}))
	h.start(t)

	task := h.submit(t, tasks.KindNewTask, "K", newPayload("x"))
	h.wait(t, task.ID)

	// the end event and history are written after the registry transition
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(events)
		last := EventType(-1)
		if n > 0 {
			last = events[n-1].Type
		}
		mu.Unlock()
		if last == EventTaskEnd {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 || events[0].Type != EventTaskStart {
		t.Fatalf("events = %+v", events)
	}
	steps := map[Step]bool{}
	for _, e := range events {
		if e.Type == EventStepEnd {
			steps[e.Step] = true
		}
	}
	for _, s := range []Step{StepWorkspace, StepAgent, StepPush, StepPR} {
		if !steps[s] {
			t.Errorf("missing step %s", s)
		}
	}
	end := events[len(events)-1]
	if end.Type != EventTaskEnd || end.Status != tasks.StatusSucceeded {
		t.Errorf("last event = %+v", end)
	}

	h.history.mu.Lock()
	defer h.history.mu.Unlock()
	if len(h.history.runs) != 1 || h.history.runs[0].ID != task.ID {
		t.Errorf("history = %+v", h.history.runs)
	}
}

func TestPRTitle(t *testing.T) {
	tests := []struct {
		name string
		pl   tasks.Payload
		want string
	}{
		{"summary", tasks.Payload{TicketSummary: "Fix login", Description: "long"}, "Fix login"},
		{"ticket", tasks.Payload{TicketID: "PROJ-9", TicketSummary: "Fix login"}, "[PROJ-9] Fix login"},
		{"first line", tasks.Payload{Description: "Add docs\nwith details"}, "Add docs"},
		{"truncated", tasks.Payload{Description: strings.Repeat("a", 100)}, strings.Repeat("a", 69) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PRTitle(tt.pl); got != tt.want {
				t.Errorf("PRTitle = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrompts(t *testing.T) {
	p := NewTaskPrompt(tasks.Payload{Description: "Add docs", TestCommand: "make test"})
	if !strings.Contains(p, "make test") || !strings.Contains(p, "Commit") {
		t.Errorf("new task prompt = %s", p)
	}

	rv := tasks.ReviewTarget{PRNumber: 3, PRTitle: "T", PRBody: "body\n" + integrations.ReplyMarker, Path: "a.go", Line: 12}
	q := QueryPrompt(rv, "Why?")
	if strings.Contains(q, integrations.ReplyMarker) {
		t.Error("marker leaked into prompt")
	}
	for _, want := range []string{"#3 T", "a.go:12", "Why?", "Not modify"} {
		if !strings.Contains(q, want) {
			t.Errorf("query prompt missing %q", want)
		}
	}
	if c := ChangeRequestPrompt(rv, "Please fix"); !strings.Contains(c, "change request") {
		t.Errorf("change prompt = %s", c)
	}
}

func TestFanout(t *testing.T) {
	if Fanout() != nil || Fanout(nil, nil) != nil {
		t.Error("Fanout of nothing should be nil")
	}
	var got []string
	a := func(e Event) { got = append(got, "a:"+e.TaskID) }
	b := func(e Event) { got = append(got, "b:"+e.TaskID) }
	Fanout(a, nil, b)(Event{TaskID: "t1"})
	if strings.Join(got, ",") != "a:t1,b:t1" {
		t.Errorf("calls = %v", got)
	}
}
