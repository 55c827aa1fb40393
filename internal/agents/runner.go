package agents

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Command is one process invocation.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Stdin string
	Env   []string // appended to the parent environment

	// Stdout and Stderr, when set, receive the output as it is produced
	// in addition to the buffered CommandResult.
	Stdout io.Writer
	Stderr io.Writer
}

// CommandResult is what a finished process left behind.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner executes processes. Tests substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (CommandResult, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run starts the process and waits for it. A non-zero exit is reported
// both in ExitCode and as an *exec.ExitError.
func (ExecRunner) Run(ctx context.Context, c Command) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = tee(&stdout, c.Stdout)
	cmd.Stderr = tee(&stderr, c.Stderr)

	err := cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	return res, err
}

func tee(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}
