package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// claudeArgs run Claude Code non-interactively with edits allowed.
var claudeArgs = []string{"--print", "--dangerously-skip-permissions"}

// noPrompt keeps git inside the agent from waiting on a credential prompt.
var noPrompt = []string{"GIT_TERMINAL_PROMPT=0"}

// ClaudeAgent runs the Claude Code CLI in a workspace.
type ClaudeAgent struct {
	binaryPath string
	timeout    time.Duration
	runner     CommandRunner
	heads      HeadReader // nil disables commit detection
}

// ClaudeOption configures a ClaudeAgent.
type ClaudeOption func(*ClaudeAgent)

// WithBinaryPath sets the claude binary. Empty keeps the default.
func WithBinaryPath(path string) ClaudeOption {
	return func(a *ClaudeAgent) {
		if path != "" {
			a.binaryPath = path
		}
	}
}

// WithDefaultTimeout sets the per-run timeout used when RunOptions has none.
func WithDefaultTimeout(d time.Duration) ClaudeOption {
	return func(a *ClaudeAgent) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithRunner replaces the process runner.
func WithRunner(r CommandRunner) ClaudeOption {
	return func(a *ClaudeAgent) { a.runner = r }
}

// WithHeadReader enables commit detection.
func WithHeadReader(h HeadReader) ClaudeOption {
	return func(a *ClaudeAgent) { a.heads = h }
}

// NewClaudeAgent creates a Claude Code agent.
func NewClaudeAgent(opts ...ClaudeOption) *ClaudeAgent {
	a := &ClaudeAgent{
		binaryPath: "claude",
		timeout:    DefaultTimeout,
		runner:     ExecRunner{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns "claude".
func (a *ClaudeAgent) Name() string { return "claude" }

// Run executes the prompt in opts.WorkDir. Context files are sent on
// stdin. When a HeadReader is set, commits made during the run are
// reported in the result.
func (a *ClaudeAgent) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	start := time.Now()
	fail := func(res *RunResult, err error) (*RunResult, error) {
		if res.Error == "" {
			res.Error = err.Error()
		}
		res.Duration = time.Since(start)
		return res, err
	}

	timeout := a.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var before string
	if a.heads != nil {
		h, err := a.heads.Head(ctx, opts.WorkDir)
		if err != nil {
			return fail(&RunResult{}, fmt.Errorf("reading head: %w", err))
		}
		before = h
	}

	stdin, err := contextDocument(opts.ContextFiles)
	if err != nil {
		return fail(&RunResult{}, fmt.Errorf("building file context: %w", err))
	}

	args := append([]string{}, claudeArgs...)
	if opts.Prompt != "" {
		args = append(args, opts.Prompt)
	}
	out, runErr := a.runner.Run(ctx, Command{
		Name:   a.binaryPath,
		Args:   args,
		Dir:    opts.WorkDir,
		Stdin:  stdin,
		Env:    noPrompt,
		Stdout: opts.Stdout,
		Stderr: opts.Stderr,
	})

	res := &RunResult{
		Output:   out.Stdout,
		Answer:   strings.TrimSpace(out.Stdout),
		ExitCode: out.ExitCode,
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.Error = fmt.Sprintf("timeout after %v", timeout)
		return fail(res, ctx.Err())
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Error = strings.TrimSpace(out.Stderr)
		}
		return fail(res, runErr)
	case out.ExitCode != 0:
		res.Error = strings.TrimSpace(out.Stderr)
		return fail(res, fmt.Errorf("%s exited with code %d", a.binaryPath, out.ExitCode))
	}

	if a.heads != nil {
		commits, err := a.heads.CommitsSince(ctx, opts.WorkDir, before)
		if err != nil {
			return fail(res, fmt.Errorf("listing new commits: %w", err))
		}
		res.CommitRefs = commits
		res.Committed = len(commits) > 0
	}
	res.Duration = time.Since(start)
	return res, nil
}

// contextDocument concatenates files into one markdown document, or ""
// when there are none.
func contextDocument(files []string) (string, error) {
	if len(files) == 0 {
		return "", nil
	}
	var sb strings.Builder
	sb.WriteString("# Context Files\n\n")
	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		fmt.Fprintf(&sb, "## File: %s\n\n```\n%s\n```\n\n", filepath.Base(path), content)
	}
	return sb.String(), nil
}

// Available reports whether the claude binary is on PATH.
func (a *ClaudeAgent) Available() bool {
	_, err := exec.LookPath(a.binaryPath)
	return err == nil
}

// Version returns the claude CLI version string.
func (a *ClaudeAgent) Version(ctx context.Context) (string, error) {
	out, err := a.runner.Run(ctx, Command{Name: a.binaryPath, Args: []string{"--version"}})
	if err != nil {
		return "", fmt.Errorf("getting version: %w", err)
	}
	return strings.TrimSpace(out.Stdout), nil
}
