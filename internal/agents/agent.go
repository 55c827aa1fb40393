// Package agents runs the external code-modification agent inside a
// workspace. The agent is opaque: it gets a prompt and context files and
// either commits changes or answers in text.
package agents

import (
	"context"
	"io"
	"time"
)

// DefaultTimeout is the default agent execution timeout (30 minutes).
const DefaultTimeout = 30 * time.Minute

// Agent is the interface for code-modification agents.
type Agent interface {
	// Name returns the agent identifier.
	Name() string

	// Run executes a prompt in opts.WorkDir.
	Run(ctx context.Context, opts RunOptions) (*RunResult, error)
}

// RunOptions configures an agent run.
type RunOptions struct {
	Prompt       string        // Instructions for the agent
	WorkDir      string        // Workspace checkout
	ContextFiles []string      // Repository guidance files passed as context
	Timeout      time.Duration // 0 = agent default
	Stdout       io.Writer     // Optional live copy of the agent's stdout
	Stderr       io.Writer     // Optional live copy of the agent's stderr
}

// RunResult holds the outcome of an agent run.
type RunResult struct {
	Committed  bool          // HEAD moved during the run
	CommitRefs []string      // New commits, newest first
	Answer     string        // Text answer for query replies
	Output     string        // Raw stdout
	ExitCode   int           // Process exit code
	Duration   time.Duration // Wall time
	Error      string        // Error message if failed
}

// IsSuccess returns true if the run succeeded.
func (r *RunResult) IsSuccess() bool {
	return r.ExitCode == 0 && r.Error == ""
}

// HeadReader inspects the workspace repository so commits made by the
// agent can be detected.
type HeadReader interface {
	Head(ctx context.Context, dir string) (string, error)
	CommitsSince(ctx context.Context, dir, from string) ([]string, error)
}
