package tasks

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a status change breaks the lattice.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: %s -> %s: %v", e.ID, e.From, e.To, ErrInvalidTransition)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var allowed = map[Status][]Status{
	StatusQueued:    {StatusRunning},
	StatusRunning:   {StatusSucceeded, StatusFailed},
	StatusSucceeded: {StatusPurged},
	StatusFailed:    {StatusPurged},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Registry maps task ids to task records. All methods are safe for
// concurrent use and hand out copies.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Create records a new queued task.
func (r *Registry) Create(kind Kind, branchKey string, payload Payload) Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		BranchKey: branchKey,
		Payload:   payload,
		Status:    StatusQueued,
		CreatedAt: r.now(),
	}
	if payload.Review != nil {
		rv := *payload.Review
		t.Payload.Review = &rv
	}
	r.tasks[t.ID] = t
	return t.clone()
}

// Transition moves a task to a new status. result is recorded only for
// terminal statuses.
func (r *Registry) Transition(id string, to Status, result *Result) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !CanTransition(t.Status, to) {
		return t.clone(), &TransitionError{ID: id, From: t.Status, To: to}
	}

	now := r.now()
	switch to {
	case StatusRunning:
		t.StartedAt = &now
	case StatusSucceeded, StatusFailed:
		t.FinishedAt = &now
		if result != nil {
			res := *result
			res.Commits = append([]string(nil), result.Commits...)
			t.Result = &res
		}
	}
	t.Status = to
	return t.clone(), nil
}

// Get returns a copy of the task.
func (r *Registry) Get(id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.clone(), nil
}

// List returns all tasks, oldest first.
func (r *Registry) List() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.clone())
	}
	sortByCreation(out)
	return out
}

// ListExpired returns terminal tasks with finishedAt + retention <= now.
func (r *Registry) ListExpired(now time.Time, retention time.Duration) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Task
	for _, t := range r.tasks {
		if expired(t, now, retention) {
			out = append(out, t.clone())
		}
	}
	sortByCreation(out)
	return out
}

// KeyActive reports whether any task on key is queued, running, or
// terminal but still inside the retention window.
func (r *Registry) KeyActive(key string, now time.Time, retention time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.tasks {
		if t.BranchKey != key || t.Status == StatusPurged {
			continue
		}
		if !expired(t, now, retention) {
			return true
		}
	}
	return false
}

// Discard deletes a queued task that was never dispatched.
func (r *Registry) Discard(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status != StatusQueued {
		return &TransitionError{ID: id, From: t.Status, To: ""}
	}
	delete(r.tasks, id)
	return nil
}

// Prune deletes records already marked purged and returns how many were dropped.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, t := range r.tasks {
		if t.Status == StatusPurged {
			delete(r.tasks, id)
			n++
		}
	}
	return n
}

// Counts returns the number of tasks per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[Status]int)
	for _, t := range r.tasks {
		out[t.Status]++
	}
	return out
}

func expired(t *Task, now time.Time, retention time.Duration) bool {
	if !t.Status.Terminal() || t.FinishedAt == nil {
		return false
	}
	return !t.FinishedAt.Add(retention).After(now)
}

func sortByCreation(ts []Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}
