// Package audit keeps an append-only trail of what codebot did to
// repositories: task lifecycle plus every push, pull request and reply.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/codebot/internal/logging"
	"github.com/marcus/codebot/internal/orchestrator"
	"github.com/marcus/codebot/internal/tasks"
)

// EventType categorizes audit events.
type EventType string

const (
	EventTaskStarted  EventType = "task_started"
	EventTaskFinished EventType = "task_finished"
	EventPush         EventType = "git_push"
	EventPullRequest  EventType = "pull_request"
	EventReply        EventType = "reply"
	EventStepFailed   EventType = "step_failed"
)

// Results recorded on step events.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Event is a single audit log entry.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"event_type"`
	TaskID    string            `json:"task_id,omitempty"`
	BranchKey string            `json:"branch_key,omitempty"`
	Step      string            `json:"step,omitempty"`
	Status    tasks.Status      `json:"status,omitempty"`
	Result    string            `json:"result,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Error     string            `json:"error,omitempty"`
	Worker    int               `json:"worker,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
}

// Logger appends events to audit-YYYY-MM-DD.jsonl files in one directory.
type Logger struct {
	dir       string
	sessionID string
	nowFunc   func() time.Time

	mu   sync.Mutex
	file *os.File
	path string
}

// FileName returns the audit file name for the given day.
func FileName(t time.Time) string {
	return fmt.Sprintf("audit-%s.jsonl", t.Format("2006-01-02"))
}

// New creates the audit directory with owner-only permissions and opens
// today's file.
func New(dir string) (*Logger, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit dir is empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit log dir: %w", err)
	}
	l := &Logger{
		dir:       dir,
		sessionID: uuid.NewString(),
		nowFunc:   time.Now,
	}
	if err := l.openLocked(l.nowFunc()); err != nil {
		return nil, err
	}
	return l, nil
}

// SessionID identifies this process in every event it writes.
func (l *Logger) SessionID() string {
	return l.sessionID
}

func (l *Logger) openLocked(now time.Time) error {
	path := filepath.Join(l.dir, FileName(now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	l.file = f
	l.path = path
	return nil
}

// Log writes one event and syncs it to disk. The file rolls over when
// the day changes.
func (l *Logger) Log(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}
	now := l.nowFunc()
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	event.SessionID = l.sessionID

	if want := filepath.Join(l.dir, FileName(now)); want != l.path {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("closing old audit log: %w", err)
		}
		l.file = nil
		if err := l.openLocked(now); err != nil {
			return err
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing audit log: %w", err)
	}
	return nil
}

// HandleEvent records pool lifecycle events. It satisfies
// orchestrator.EventHandler; write failures are logged, not returned.
func (l *Logger) HandleEvent(e orchestrator.Event) {
	event, ok := FromPoolEvent(e)
	if !ok {
		return
	}
	if err := l.Log(event); err != nil {
		logging.Component("audit").WarnCtx("audit write failed", map[string]any{
			"task_id": e.TaskID,
			"error":   err.Error(),
		})
	}
}

// FromPoolEvent maps a pool event to an audit event. Step starts and
// successful local steps are not audited.
func FromPoolEvent(e orchestrator.Event) (Event, bool) {
	event := Event{
		Timestamp: e.Time,
		TaskID:    e.TaskID,
		BranchKey: e.BranchKey,
		Worker:    e.Worker,
		Duration:  e.Duration,
		Error:     e.Error,
	}
	switch e.Type {
	case orchestrator.EventTaskStart:
		event.Type = EventTaskStarted
	case orchestrator.EventTaskEnd:
		event.Type = EventTaskFinished
		event.Status = e.Status
	case orchestrator.EventStepEnd:
		event.Step = string(e.Step)
		event.Result = ResultOK
		if e.Error != "" {
			event.Result = ResultFailed
		}
		switch e.Step {
		case orchestrator.StepPush:
			event.Type = EventPush
		case orchestrator.StepPR:
			event.Type = EventPullRequest
		case orchestrator.StepReply:
			event.Type = EventReply
		default:
			if e.Error == "" {
				return Event{}, false
			}
			event.Type = EventStepFailed
		}
	default:
		return Event{}, false
	}
	return event, true
}

// Close closes the current audit file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Files returns the audit files in dir, oldest first.
func Files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading audit log dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, "audit-") && filepath.Ext(name) == ".jsonl" {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// ReadEvents reads the events in one audit file. Malformed lines are
// skipped.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, scanner.Err()
}

// Recent returns up to n of the newest events in dir, oldest first,
// optionally restricted to one task.
func Recent(dir string, n int, taskID string) ([]Event, error) {
	files, err := Files(dir)
	if err != nil {
		return nil, err
	}
	var out []Event
	for i := len(files) - 1; i >= 0 && len(out) < n; i-- {
		events, err := ReadEvents(files[i])
		if err != nil {
			return nil, err
		}
		var kept []Event
		for _, e := range events {
			if taskID == "" || e.TaskID == taskID {
				kept = append(kept, e)
			}
		}
		if remaining := n - len(out); len(kept) > remaining {
			kept = kept[len(kept)-remaining:]
		}
		out = append(kept, out...)
	}
	return out, nil
}
