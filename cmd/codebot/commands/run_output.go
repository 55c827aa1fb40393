package commands

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/codebot/internal/orchestrator"
	"github.com/marcus/codebot/internal/tasks"
)

// runStyles holds lipgloss styles for colored CLI output.
type runStyles struct {
	Title   lipgloss.Style
	Step    lipgloss.Style
	Label   lipgloss.Style
	Value   lipgloss.Style
	Muted   lipgloss.Style
	Warn    lipgloss.Style
	Error   lipgloss.Style
	Success lipgloss.Style
	Accent  lipgloss.Style
}

func newRunStyles() runStyles {
	return runStyles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")),
		Step:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Value:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		Success: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		Accent:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")),
	}
}

// statusStyle picks the style for a task status.
func (s runStyles) statusStyle(st tasks.Status) lipgloss.Style {
	switch st {
	case tasks.StatusSucceeded:
		return s.Success
	case tasks.StatusFailed:
		return s.Error
	case tasks.StatusRunning:
		return s.Accent
	case tasks.StatusQueued:
		return s.Warn
	default:
		return s.Muted
	}
}

// asyncSpinner renders a braille spinner on the current line using \r.
type asyncSpinner struct {
	mu      sync.Mutex
	label   string
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

func (s *asyncSpinner) start(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.label = label
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.spin(s.stopCh, s.doneCh)
}

func (s *asyncSpinner) spin(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	for idx := 0; ; idx++ {
		select {
		case <-stop:
			s.mu.Lock()
			width := len(s.label) + 4
			s.mu.Unlock()
			fmt.Printf("\r%s\r", strings.Repeat(" ", width))
			return
		case <-ticker.C:
			s.mu.Lock()
			label := s.label
			s.mu.Unlock()
			fmt.Printf("\r  %s %s", spinnerFrames[idx%len(spinnerFrames)], label)
		}
	}
}

func (s *asyncSpinner) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stopCh, s.doneCh
	s.mu.Unlock()
	close(stop)
	<-done
}

// liveRenderer prints pool events for a foreground run.
type liveRenderer struct {
	styles  runStyles
	spinner *asyncSpinner
}

func newLiveRenderer() *liveRenderer {
	return &liveRenderer{styles: newRunStyles(), spinner: &asyncSpinner{}}
}

// cleanup stops the spinner if still running. Safe to call multiple times.
func (r *liveRenderer) cleanup() {
	r.spinner.stop()
}

// HandleEvent renders one event.
func (r *liveRenderer) HandleEvent(e orchestrator.Event) {
	switch e.Type {
	case orchestrator.EventTaskStart:
		fmt.Printf("\n%s %s %s\n", r.styles.Accent.Render(">>>"),
			r.styles.Title.Render(e.TaskID), r.styles.Muted.Render("key "+e.BranchKey))

	case orchestrator.EventStepStart:
		r.spinner.stop()
		r.spinner.start(stepLabel(e.Step))

	case orchestrator.EventStepEnd:
		r.spinner.stop()
		elapsed := r.styles.Muted.Render(fmt.Sprintf("(%s)", e.Duration.Round(time.Millisecond)))
		if e.Error != "" {
			fmt.Printf("  %s %s %s\n", r.styles.Step.Render(stepLabel(e.Step)), r.styles.Warn.Render(e.Error), elapsed)
			return
		}
		fmt.Printf("  %s %s\n", r.styles.Step.Render(stepLabel(e.Step)), elapsed)

	case orchestrator.EventTaskEnd:
		r.spinner.stop()
		label := strings.ToUpper(string(e.Status))
		if e.Error != "" {
			label += ": " + e.Error
		}
		fmt.Printf("  %s %s\n", r.styles.statusStyle(e.Status).Render(label),
			r.styles.Muted.Render(fmt.Sprintf("(%s)", e.Duration.Round(time.Second))))
	}
}

func stepLabel(s orchestrator.Step) string {
	switch s {
	case orchestrator.StepWorkspace:
		return "WORKSPACE"
	case orchestrator.StepAgent:
		return "AGENT"
	case orchestrator.StepPush:
		return "PUSH"
	case orchestrator.StepPR:
		return "PULL REQUEST"
	case orchestrator.StepReply:
		return "REPLY"
	default:
		return strings.ToUpper(string(s))
	}
}

// printTaskResult prints the outcome block after a run.
func printTaskResult(t tasks.Task) {
	s := newRunStyles()
	hr := strings.Repeat("─", 40)

	fmt.Println()
	fmt.Println(s.Title.Render("Result"))
	fmt.Println(s.Muted.Render(hr))
	row := func(label, value string) {
		if value != "" {
			fmt.Printf("  %s %s\n", s.Label.Render(label), s.Value.Render(value))
		}
	}
	fmt.Printf("  %s %s\n", s.Label.Render("Status:"), s.statusStyle(t.Status).Render(string(t.Status)))
	row("Task:", t.ID)
	row("Branch key:", t.BranchKey)
	if res := t.Result; res != nil {
		row("Branch:", res.BranchName)
		row("Pull request:", res.PRURL)
		row("Reply:", res.ReplyURL)
		if len(res.Commits) > 0 {
			row("Commits:", fmt.Sprintf("%d", len(res.Commits)))
		}
		if res.Error != "" {
			fmt.Printf("  %s %s\n", s.Label.Render("Error:"), s.Error.Render(res.Error))
		}
	}
	if t.StartedAt != nil && t.FinishedAt != nil {
		row("Duration:", t.FinishedAt.Sub(*t.StartedAt).Round(time.Second).String())
	}
}
