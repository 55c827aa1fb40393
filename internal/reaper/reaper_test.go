package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marcus/codebot/internal/scheduler"
	"github.com/marcus/codebot/internal/tasklog"
	"github.com/marcus/codebot/internal/tasks"
	"github.com/marcus/codebot/internal/workspace"
)

type fakeStore struct {
	mu     sync.Mutex
	byKey  map[string]bool
	purged []string
	err    error
}

func newFakeStore(keys ...string) *fakeStore {
	s := &fakeStore{byKey: map[string]bool{}}
	for _, k := range keys {
		s.byKey[k] = true
	}
	return s
}

func (s *fakeStore) Get(key string) (workspace.Workspace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return workspace.Workspace{BranchKey: key}, s.byKey[key]
}

func (s *fakeStore) Purge(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.byKey, key)
	s.purged = append(s.purged, key)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// finish creates a task on key and completes it at the clock's current time.
func finish(t *testing.T, reg *tasks.Registry, key string, status tasks.Status) tasks.Task {
	t.Helper()
	task := reg.Create(tasks.KindNewTask, key, tasks.Payload{RepositoryURL: "u", Description: "d"})
	if _, err := reg.Transition(task.ID, tasks.StatusRunning, nil); err != nil {
		t.Fatal(err)
	}
	done, err := reg.Transition(task.ID, status, &tasks.Result{})
	if err != nil {
		t.Fatal(err)
	}
	return done
}

func status(t *testing.T, reg *tasks.Registry, id string) tasks.Status {
	t.Helper()
	task, err := reg.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	return task.Status
}

func TestRetentionWindow(t *testing.T) {
	clk := &clock{now: t0}
	reg := tasks.NewRegistry()
	reg.SetClock(clk.Now)
	store := newFakeStore("K")
	logs := tasklog.New(10)

	task := finish(t, reg, "K", tasks.StatusSucceeded)
	logs.Add(task.ID, tasklog.SourceCodebot, "line")

	r := New(reg, store, scheduler.New(1), time.Hour, WithClock(clk.Now), WithTaskLogs(logs))

	clk.Set(t0.Add(time.Hour - time.Second))
	if rep := r.Sweep(); rep.Purged != 0 {
		t.Fatalf("purged before retention: %+v", rep)
	}
	if status(t, reg, task.ID) != tasks.StatusSucceeded {
		t.Fatal("task changed before retention elapsed")
	}

	clk.Set(t0.Add(time.Hour))
	rep := r.Sweep()
	if rep.Purged != 1 || rep.Workspaces != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if status(t, reg, task.ID) != tasks.StatusPurged {
		t.Errorf("status = %s, want purged", status(t, reg, task.ID))
	}
	if len(store.purged) != 1 || store.purged[0] != "K" {
		t.Errorf("purged = %v", store.purged)
	}
	if _, ok := logs.Get(task.ID, ""); ok {
		t.Error("task logs should be dropped")
	}

	rep = r.Sweep()
	if rep.Pruned != 1 {
		t.Errorf("second sweep report = %+v", rep)
	}
	if _, err := reg.Get(task.ID); !errors.Is(err, tasks.ErrNotFound) {
		t.Errorf("Get after prune = %v", err)
	}
}

func TestWorkspaceKeptWhileKeyLive(t *testing.T) {
	clk := &clock{now: t0}
	reg := tasks.NewRegistry()
	reg.SetClock(clk.Now)
	store := newFakeStore("K")

	old := finish(t, reg, "K", tasks.StatusFailed)
	clk.Set(t0.Add(50 * time.Minute))
	recent := finish(t, reg, "K", tasks.StatusSucceeded)

	r := New(reg, store, scheduler.New(1), time.Hour, WithClock(clk.Now))
	clk.Set(t0.Add(time.Hour))

	rep := r.Sweep()
	if rep.Purged != 1 || rep.Workspaces != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if status(t, reg, old.ID) != tasks.StatusPurged || status(t, reg, recent.ID) != tasks.StatusSucceeded {
		t.Error("only the old task should be purged")
	}
	if len(store.purged) != 0 {
		t.Error("workspace deleted while a task on its key is still retained")
	}

	clk.Set(t0.Add(50*time.Minute + time.Hour))
	if rep := r.Sweep(); rep.Workspaces != 1 {
		t.Errorf("report = %+v", rep)
	}
}

func TestQueuedTaskKeepsWorkspace(t *testing.T) {
	clk := &clock{now: t0}
	reg := tasks.NewRegistry()
	reg.SetClock(clk.Now)
	store := newFakeStore("K")

	finish(t, reg, "K", tasks.StatusSucceeded)
	reg.Create(tasks.KindReviewReply, "K", tasks.Payload{RepositoryURL: "u", Description: "d"})

	r := New(reg, store, scheduler.New(1), time.Minute, WithClock(clk.Now))
	clk.Set(t0.Add(time.Hour))
	r.Sweep()
	if len(store.purged) != 0 {
		t.Error("workspace deleted while a task on its key is queued")
	}
}

func TestHeldKeyIsSkipped(t *testing.T) {
	clk := &clock{now: t0}
	reg := tasks.NewRegistry()
	reg.SetClock(clk.Now)
	store := newFakeStore("K")
	sched := scheduler.New(1)

	task := finish(t, reg, "K", tasks.StatusSucceeded)
	if !sched.TryHold("K") {
		t.Fatal("TryHold")
	}

	r := New(reg, store, sched, time.Minute, WithClock(clk.Now))
	clk.Set(t0.Add(time.Hour))
	rep := r.Sweep()
	if rep.Skipped != 1 || rep.Purged != 0 || status(t, reg, task.ID) != tasks.StatusSucceeded {
		t.Errorf("report = %+v", rep)
	}

	sched.Release("K")
	if rep := r.Sweep(); rep.Purged != 1 {
		t.Errorf("after release report = %+v", rep)
	}
	if sched.IsHeld("K") {
		t.Error("reaper left the key held")
	}
}

func TestPurgeFailureRetriedNextSweep(t *testing.T) {
	clk := &clock{now: t0}
	reg := tasks.NewRegistry()
	reg.SetClock(clk.Now)
	store := newFakeStore("K")
	store.err = errors.New("permission denied")

	task := finish(t, reg, "K", tasks.StatusSucceeded)
	r := New(reg, store, scheduler.New(1), time.Minute, WithClock(clk.Now))
	clk.Set(t0.Add(time.Hour))

	if rep := r.Sweep(); rep.Skipped != 1 || rep.Purged != 0 {
		t.Errorf("report = %+v", rep)
	}
	if status(t, reg, task.ID) != tasks.StatusSucceeded {
		t.Error("task purged although its workspace was not")
	}

	store.err = nil
	if rep := r.Sweep(); rep.Purged != 1 {
		t.Errorf("retry report = %+v", rep)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	reg := tasks.NewRegistry()
	r := New(reg, newFakeStore(), scheduler.New(1), time.Minute, WithInterval(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunPurgesWithinInterval(t *testing.T) {
	clk := &clock{now: t0}
	reg := tasks.NewRegistry()
	reg.SetClock(clk.Now)
	store := newFakeStore("K")
	task := finish(t, reg, "K", tasks.StatusSucceeded)

	// cron's @every schedule has a one second floor.
	r := New(reg, store, scheduler.New(1), time.Hour, WithInterval(time.Second), WithClock(clk.Now))
	clk.Set(t0.Add(time.Hour - time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(1500 * time.Millisecond)
	if got := status(t, reg, task.ID); got != tasks.StatusSucceeded {
		t.Fatalf("status before retention = %s", got)
	}

	clk.Set(t0.Add(time.Hour))
	deadline := time.Now().Add(2500 * time.Millisecond)
	for status(t, reg, task.ID) != tasks.StatusPurged {
		if time.Now().After(deadline) {
			t.Fatal("task not purged within one interval of its retention deadline")
		}
		time.Sleep(20 * time.Millisecond)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.purged) != 1 {
		t.Errorf("purged = %v", store.purged)
	}
}
