// Package tasklog keeps a bounded, in-memory log per task so operators can
// read, or follow live, what happened to a task through the API.
package tasklog

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"
)

// DefaultMaxLines is the per-task line cap. Oldest lines go first.
const DefaultMaxLines = 10000

// Sources tag where a line came from.
const (
	SourceCodebot = "codebot"      // pipeline log events
	SourceStdout  = "agent_stdout" // agent process stdout
	SourceStderr  = "agent_stderr" // agent process stderr
)

// Entry is one captured line.
type Entry struct {
	Time    time.Time `json:"timestamp"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// Batch is the result of a Since call.
type Batch struct {
	Entries []Entry
	// Next is the cursor to pass to the following Since call.
	Next int
	// Changed is closed when a line is added or the log is dropped. It is
	// nil when nothing was ever logged for the task.
	Changed <-chan struct{}
}

type taskLog struct {
	entries []Entry
	dropped int // lines evicted from the front since the first Add
	changed chan struct{}
}

func (l *taskLog) notify() {
	if l.changed != nil {
		close(l.changed)
		l.changed = nil
	}
}

// Store holds log lines keyed by task id.
type Store struct {
	mu       sync.Mutex
	maxLines int
	now      func() time.Time
	logs     map[string]*taskLog
}

// New creates a store keeping at most maxLines per task.
func New(maxLines int) *Store {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Store{
		maxLines: maxLines,
		now:      time.Now,
		logs:     make(map[string]*taskLog),
	}
}

// Add appends one line for taskID.
func (s *Store) Add(taskID, source, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.logs[taskID]
	if l == nil {
		l = &taskLog{}
		s.logs[taskID] = l
	}
	l.entries = append(l.entries, Entry{Time: s.now().UTC(), Source: source, Message: message})
	if over := len(l.entries) - s.maxLines; over > 0 {
		l.entries = append([]Entry(nil), l.entries[over:]...)
		l.dropped += over
	}
	l.notify()
}

// Get returns a copy of the lines for taskID, restricted to source when
// it is not empty. ok is false when nothing was ever logged for the task.
func (s *Store) Get(taskID, source string) (entries []Entry, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[taskID]
	if !ok {
		return nil, false
	}
	return Filter(l.entries, source), true
}

// Since returns the lines added after cursor, which counts every line
// ever added for the task. Start following with cursor 0. Lines already
// evicted by the cap are skipped.
func (s *Store) Since(taskID string, cursor int) Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[taskID]
	if !ok {
		return Batch{Next: cursor}
	}
	start := cursor - l.dropped
	if start < 0 {
		start = 0
	}
	if start > len(l.entries) {
		start = len(l.entries)
	}
	if l.changed == nil {
		l.changed = make(chan struct{})
	}
	return Batch{
		Entries: append([]Entry(nil), l.entries[start:]...),
		Next:    l.dropped + len(l.entries),
		Changed: l.changed,
	}
}

// Drop forgets everything logged for taskID and wakes its followers.
func (s *Store) Drop(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[taskID]; ok {
		l.notify()
		delete(s.logs, taskID)
	}
}

// Filter returns the entries whose source matches. An empty source keeps
// all of them. The result never aliases entries.
func Filter(entries []Entry, source string) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if source == "" || e.Source == source {
			out = append(out, e)
		}
	}
	return out
}

// Writer returns a writer that splits its input into lines and appends
// them for taskID under source. Blank lines are skipped. A partial last
// line is kept until the next newline or Close.
func (s *Store) Writer(taskID, source string) io.WriteCloser {
	return &lineWriter{store: s, taskID: taskID, source: source}
}

type lineWriter struct {
	mu      sync.Mutex
	store   *Store
	taskID  string
	source  string
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.add(string(w.pending[:i]))
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

// Close flushes a trailing partial line.
func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.add(string(w.pending))
		w.pending = nil
	}
	return nil
}

func (w *lineWriter) add(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	w.store.Add(w.taskID, w.source, line)
}
