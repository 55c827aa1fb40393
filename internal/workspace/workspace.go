// Package workspace manages the on-disk working copies that back branch keys.
//
// A branch key owns at most one workspace. A second task on the same key
// reuses it after re-syncing it with the remote; the scheduler guarantees
// that no two tasks on one key run at once, so the store only guards its
// index, not individual workspaces.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/marcus/codebot/internal/logging"
	"github.com/marcus/codebot/internal/naming"
	"github.com/marcus/codebot/internal/retry"
)

// ErrSetup is wrapped by every clone or checkout failure.
var ErrSetup = errors.New("workspace setup failed")

// SetupError reports a workspace that could not be prepared.
type SetupError struct {
	BranchKey string
	Attempts  int
	Err       error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%v for %s after %d attempt(s): %v", ErrSetup, e.BranchKey, e.Attempts, e.Err)
}

func (e *SetupError) Unwrap() []error { return []error{ErrSetup, e.Err} }

// Git is the transport the store needs to prepare a working copy.
type Git interface {
	// Clone clones url into dir, which exists and is empty.
	Clone(ctx context.Context, url, dir string) error
	// DefaultBranch returns the remote's default branch.
	DefaultBranch(ctx context.Context, dir string) (string, error)
	// Sync fetches and checks out branch: the remote branch when it
	// exists, else a new branch from the tip of base.
	Sync(ctx context.Context, dir, base, branch string) error
}

// Workspace is an exclusive working copy for one branch key.
type Workspace struct {
	BranchKey  string    `json:"branch_key"`
	Path       string    `json:"path"`
	Hash       string    `json:"hash"`
	Branch     string    `json:"branch"`
	RepoURL    string    `json:"repository_url"`
	BaseBranch string    `json:"base_branch"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// AcquireRequest describes the workspace a task needs.
type AcquireRequest struct {
	BranchKey   string
	RepoURL     string
	BaseBranch  string
	TicketID    string
	Summary     string
	Description string
	// Branch pins the branch name, for replies on an existing PR.
	Branch string
}

// Store owns the workspace root directory.
type Store struct {
	root   string
	git    Git
	policy retry.Policy
	now    func() time.Time
	log    *logging.Logger

	mu    sync.Mutex
	byKey map[string]*Workspace
}

// Option configures a Store.
type Option func(*Store)

// WithRetry sets the setup retry policy. Default: one retry, no delay.
func WithRetry(p retry.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store rooted at root.
func New(root string, git Git, opts ...Option) (*Store, error) {
	root = logging.ExpandPath(root)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	s := &Store{
		root:   abs,
		git:    git,
		policy: retry.Once(0),
		now:    time.Now,
		log:    logging.Component("workspace"),
		byKey:  make(map[string]*Workspace),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute workspace root.
func (s *Store) Root() string { return s.root }

// Acquire returns the workspace for req.BranchKey, re-synced with the
// remote, or creates one. A failed refresh or create is retried once in
// a fresh directory; the failed directory is always removed.
func (s *Store) Acquire(ctx context.Context, req AcquireRequest) (Workspace, error) {
	s.mu.Lock()
	existing, reuse := s.byKey[req.BranchKey]
	var prev Workspace
	if reuse {
		prev = *existing
	}
	s.mu.Unlock()

	var ws Workspace
	attempts := 0
	err := retry.Do(ctx, s.policy, func(attempt int) error {
		attempts = attempt
		if attempt == 1 && reuse {
			if err := s.refresh(ctx, &prev, req); err != nil {
				s.log.WarnCtx("workspace refresh failed, recreating", map[string]any{
					"branch_key": req.BranchKey,
					"path":       prev.Path,
					"error":      err.Error(),
				})
				s.forget(req.BranchKey, prev.Path)
				return err
			}
			ws = prev
			return nil
		}
		created, err := s.create(ctx, req, reuse, prev)
		if err != nil {
			s.log.WarnCtx("workspace create failed", map[string]any{
				"branch_key": req.BranchKey,
				"attempt":    attempt,
				"error":      err.Error(),
			})
			return err
		}
		ws = created
		return nil
	})
	if err != nil {
		return Workspace{}, &SetupError{BranchKey: req.BranchKey, Attempts: attempts, Err: err}
	}

	s.mu.Lock()
	ws.LastUsedAt = s.now()
	stored := ws
	s.byKey[req.BranchKey] = &stored
	s.mu.Unlock()

	s.log.InfoCtx("workspace ready", map[string]any{
		"branch_key": ws.BranchKey,
		"path":       ws.Path,
		"branch":     ws.Branch,
		"reused":     reuse && attempts == 1,
	})
	return ws, nil
}

func (s *Store) refresh(ctx context.Context, ws *Workspace, req AcquireRequest) error {
	if _, err := os.Stat(ws.Path); err != nil {
		return fmt.Errorf("workspace directory missing: %w", err)
	}
	if req.BaseBranch != "" {
		ws.BaseBranch = req.BaseBranch
	}
	return s.git.Sync(ctx, ws.Path, ws.BaseBranch, ws.Branch)
}

// create makes a new directory and clones into it. Names from a previous
// workspace on the same key are kept so the branch and PR stay the same.
func (s *Store) create(ctx context.Context, req AcquireRequest, hadPrev bool, prev Workspace) (Workspace, error) {
	names := s.names(req, hadPrev, prev)
	path := filepath.Join(s.root, names.Directory)

	if hadPrev || req.Branch != "" {
		// pinned names: clear leftovers from an earlier failure
		if err := os.RemoveAll(path); err != nil {
			return Workspace{}, fmt.Errorf("clearing %s: %w", path, err)
		}
	}
	if err := os.Mkdir(path, 0755); err != nil {
		return Workspace{}, fmt.Errorf("creating %s: %w", path, err)
	}

	ws := Workspace{
		BranchKey:  req.BranchKey,
		Path:       path,
		Hash:       names.Hash,
		Branch:     names.Branch,
		RepoURL:    req.RepoURL,
		BaseBranch: req.BaseBranch,
		CreatedAt:  s.now(),
	}
	if err := s.populate(ctx, &ws); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			s.log.ErrorCtx("removing failed workspace", map[string]any{"path": path, "error": rmErr.Error()})
		}
		return Workspace{}, err
	}
	return ws, nil
}

func (s *Store) populate(ctx context.Context, ws *Workspace) error {
	if err := s.git.Clone(ctx, ws.RepoURL, ws.Path); err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	if ws.BaseBranch == "" {
		base, err := s.git.DefaultBranch(ctx, ws.Path)
		if err != nil {
			return fmt.Errorf("default branch: %w", err)
		}
		ws.BaseBranch = base
	}
	if err := s.git.Sync(ctx, ws.Path, ws.BaseBranch, ws.Branch); err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	return nil
}

func (s *Store) names(req AcquireRequest, hadPrev bool, prev Workspace) naming.Names {
	switch {
	case hadPrev:
		return naming.Names{Hash: prev.Hash, Branch: prev.Branch, Directory: filepath.Base(prev.Path)}
	case req.Branch != "":
		hash := naming.ExtractHash(req.Branch)
		if hash == "" {
			hash = naming.HashOf(req.Branch)
		}
		return naming.Names{Hash: hash, Branch: req.Branch, Directory: naming.DirectoryName(req.TicketID, hash)}
	default:
		return naming.Generate(req.TicketID, req.Summary, req.Description, naming.NewHash())
	}
}

// forget removes a broken workspace from disk and from the index.
func (s *Store) forget(key, path string) {
	if err := os.RemoveAll(path); err != nil {
		s.log.ErrorCtx("removing stale workspace", map[string]any{"path": path, "error": err.Error()})
	}
	s.mu.Lock()
	delete(s.byKey, key)
	s.mu.Unlock()
}

// Release records that the key's task finished with the workspace.
func (s *Store) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok := s.byKey[key]; ok {
		ws.LastUsedAt = s.now()
	}
}

// Purge deletes the workspace for key. Purging a missing workspace is
// logged and is not an error.
func (s *Store) Purge(key string) error {
	s.mu.Lock()
	ws, ok := s.byKey[key]
	delete(s.byKey, key)
	s.mu.Unlock()

	if !ok {
		s.log.DebugCtx("purge: no workspace", map[string]any{"branch_key": key})
		return nil
	}
	if _, err := os.Stat(ws.Path); errors.Is(err, os.ErrNotExist) {
		s.log.WarnCtx("purge: directory already gone", map[string]any{"branch_key": key, "path": ws.Path})
		return nil
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		return fmt.Errorf("removing workspace %s: %w", ws.Path, err)
	}
	s.log.InfoCtx("workspace purged", map[string]any{"branch_key": key, "path": ws.Path})
	return nil
}

// Get returns the workspace for key.
func (s *Store) Get(key string) (Workspace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.byKey[key]
	if !ok {
		return Workspace{}, false
	}
	return *ws, true
}

// FindByHash returns the workspace whose hash fragment is hash.
func (s *Store) FindByHash(hash string) (Workspace, bool) {
	if hash == "" {
		return Workspace{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.byKey {
		if ws.Hash == hash {
			return *ws, true
		}
	}
	return Workspace{}, false
}

// FindByBranch resolves a branch created by codebot to its workspace.
func (s *Store) FindByBranch(branch string) (Workspace, bool) {
	return s.FindByHash(naming.ExtractHash(branch))
}

// List returns all workspaces ordered by creation.
func (s *Store) List() []Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Workspace, 0, len(s.byKey))
	for _, ws := range s.byKey {
		out = append(out, *ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
