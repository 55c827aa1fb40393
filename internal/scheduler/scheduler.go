// Package scheduler implements the bounded task queue and the branch-key
// exclusion policy that decides which queued task a worker runs next.
//
// Dispatch is skip-ahead FIFO: NextReady returns the oldest entry whose
// branch key is not held by a running task. Entries whose key is held keep
// their position, so tasks sharing a key always start in submission order,
// while independent keys are never blocked behind a contended one.
package scheduler

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = errors.New("task queue is full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("scheduler closed")
)

// Entry is a queued task reference.
type Entry struct {
	TaskID    string
	BranchKey string
}

// Scheduler holds the queued entries and the set of held branch keys.
type Scheduler struct {
	mu       sync.Mutex
	capacity int
	queue    []Entry
	reserved int
	held     map[string]struct{}
	changed  chan struct{}
	closed   bool
}

// New creates a scheduler holding at most capacity queued entries.
func New(capacity int) *Scheduler {
	if capacity < 1 {
		capacity = 1
	}
	return &Scheduler{
		capacity: capacity,
		held:     make(map[string]struct{}),
		changed:  make(chan struct{}),
	}
}

// Reservation is a claimed queue slot. Callers create the task record
// between Reserve and Commit so a full queue never leaves a record behind.
type Reservation struct {
	s    *Scheduler
	once sync.Once
}

// Reserve claims a slot or fails with ErrQueueFull.
func (s *Scheduler) Reserve() (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if len(s.queue)+s.reserved >= s.capacity {
		return nil, ErrQueueFull
	}
	s.reserved++
	return &Reservation{s: s}, nil
}

// Commit appends the entry in the reserved slot. A reservation commits or
// cancels once; later calls are no-ops.
func (r *Reservation) Commit(e Entry) error {
	err := ErrClosed
	r.once.Do(func() {
		s := r.s
		s.mu.Lock()
		defer s.mu.Unlock()

		s.reserved--
		if s.closed {
			return
		}
		s.queue = append(s.queue, e)
		s.broadcastLocked()
		err = nil
	})
	return err
}

// Cancel returns the slot unused.
func (r *Reservation) Cancel() {
	r.once.Do(func() {
		r.s.mu.Lock()
		r.s.reserved--
		r.s.mu.Unlock()
	})
}

// Submit reserves and commits in one step.
func (s *Scheduler) Submit(e Entry) error {
	res, err := s.Reserve()
	if err != nil {
		return err
	}
	return res.Commit(e)
}

// NextReady blocks until an entry with an unheld key is available, removes
// it from the queue and marks its key held. It returns ctx.Err() when ctx
// ends and ErrClosed once the scheduler is closed.
func (s *Scheduler) NextReady(ctx context.Context) (Entry, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Entry{}, ErrClosed
		}
		for i, e := range s.queue {
			if _, busy := s.held[e.BranchKey]; busy {
				continue
			}
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.held[e.BranchKey] = struct{}{}
			s.broadcastLocked()
			s.mu.Unlock()
			return e, nil
		}
		wait := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-wait:
		}
	}
}

// Release clears the held marker for key and wakes waiting workers.
func (s *Scheduler) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.held[key]; !ok {
		return
	}
	delete(s.held, key)
	s.broadcastLocked()
}

// TryHold marks key held if no task holds it, so no worker starts a task
// on key until Release. The reaper uses it to fence a workspace it is
// about to delete.
func (s *Scheduler) TryHold(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.held[key]; busy {
		return false
	}
	s.held[key] = struct{}{}
	return true
}

// IsHeld reports whether key belongs to a running task.
func (s *Scheduler) IsHeld(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[key]
	return ok
}

// Len returns the number of queued entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// HeldCount returns the number of held keys.
func (s *Scheduler) HeldCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// Capacity returns the configured queue size.
func (s *Scheduler) Capacity() int { return s.capacity }

// Snapshot returns the queued entries in order.
func (s *Scheduler) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.queue...)
}

// Close rejects further submissions and wakes every waiter. Queued entries
// are dropped and returned.
func (s *Scheduler) Close() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	dropped := s.queue
	s.queue = nil
	s.broadcastLocked()
	return dropped
}

// broadcastLocked wakes every goroutine parked in NextReady.
func (s *Scheduler) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
