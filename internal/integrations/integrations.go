// Package integrations connects codebot to GitHub and to the guidance
// files a repository ships for coding agents (CLAUDE.md, AGENTS.md).
package integrations

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Reader finds one kind of guidance file in a workspace.
type Reader interface {
	// Name returns the integration identifier.
	Name() string

	// Read returns the path of the guidance file, or "" when the
	// repository has none. A missing file is not an error.
	Read(ctx context.Context, workspacePath string) (string, error)
}

// fileReader returns the first candidate file that exists.
type fileReader struct {
	name       string
	candidates []string
}

func (r *fileReader) Name() string { return r.name }

func (r *fileReader) Read(_ context.Context, workspacePath string) (string, error) {
	for _, c := range r.candidates {
		path := filepath.Join(workspacePath, c)
		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", nil
}

// NewClaudeMDReader finds claude.md in the repository root.
func NewClaudeMDReader() Reader {
	return &fileReader{name: "claude.md", candidates: []string{"CLAUDE.md", "claude.md", ".claude.md"}}
}

// NewAgentsMDReader finds agents.md in the repository root.
func NewAgentsMDReader() Reader {
	return &fileReader{name: "agents.md", candidates: []string{"AGENTS.md", "agents.md", ".agents.md"}}
}

// Manager coordinates the guidance readers.
type Manager struct {
	readers []Reader
}

// NewManager creates a manager with the default readers.
func NewManager(readers ...Reader) *Manager {
	if len(readers) == 0 {
		readers = []Reader{NewClaudeMDReader(), NewAgentsMDReader()}
	}
	return &Manager{readers: readers}
}

// ContextFiles returns the guidance files present in workspacePath. Reader
// failures are collected and returned alongside whatever was found.
func (m *Manager) ContextFiles(ctx context.Context, workspacePath string) ([]string, error) {
	var (
		files []string
		errs  []error
	)
	for _, r := range m.readers {
		path, err := r.Read(ctx, workspacePath)
		if err != nil {
			errs = append(errs, ReaderError{Reader: r.Name(), Err: err})
			continue
		}
		if path != "" {
			files = append(files, path)
		}
	}
	return files, errors.Join(errs...)
}

// ReaderError records a failed reader.
type ReaderError struct {
	Reader string
	Err    error
}

func (e ReaderError) Error() string {
	return e.Reader + ": " + e.Err.Error()
}

func (e ReaderError) Unwrap() error { return e.Err }
