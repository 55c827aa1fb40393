package orchestrator

import (
	"time"

	"github.com/marcus/codebot/internal/tasks"
)

// EventType classifies worker pool lifecycle events.
type EventType int

const (
	EventTaskStart EventType = iota // a worker picked up a task
	EventStepStart                  // entering a pipeline step
	EventStepEnd                    // pipeline step finished
	EventTaskEnd                    // task reached a terminal status
)

// Step names a pipeline stage.
type Step string

const (
	StepWorkspace Step = "workspace"
	StepAgent     Step = "agent"
	StepPush      Step = "push"
	StepPR        Step = "pull_request"
	StepReply     Step = "reply"
)

// Event carries data about a pool lifecycle event.
type Event struct {
	Type      EventType
	Time      time.Time
	Worker    int
	TaskID    string
	BranchKey string
	Step      Step
	Status    tasks.Status  // for EventTaskEnd: final status
	Duration  time.Duration // for EventStepEnd/EventTaskEnd: elapsed time
	Error     string
}

// EventHandler is a callback that receives pool events. It runs on the
// worker goroutine and must not block.
type EventHandler func(Event)

// Fanout returns a handler that calls each non-nil handler in order, or
// nil when there are none.
func Fanout(handlers ...EventHandler) EventHandler {
	var hs []EventHandler
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}
	switch len(hs) {
	case 0:
		return nil
	case 1:
		return hs[0]
	}
	return func(e Event) {
		for _, h := range hs {
			h(e)
		}
	}
}
