// Package gitops implements the git transport on top of go-git: clone,
// fetch, branch checkout, commit inspection and push. Nothing here shells
// out to git, so no credential prompt can ever block a worker.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/marcus/codebot/internal/logging"
)

const remoteName = "origin"

// ErrBranchNotFound is returned when neither the branch nor its base exist
// on the remote.
var ErrBranchNotFound = errors.New("branch not found on remote")

// Client performs git operations for workspaces.
type Client struct {
	token string
	log   *logging.Logger
}

// New creates a client. token is used for HTTPS remotes only.
func New(token string) *Client {
	return &Client{token: token, log: logging.Component("gitops")}
}

// auth returns token credentials for HTTP(S) remotes and nil otherwise.
func (c *Client) auth(url string) transport.AuthMethod {
	if c.token == "" {
		return nil
	}
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: c.token}
}

// Clone clones url into dir and checks out the remote's default branch.
func (c *Client) Clone(ctx context.Context, url, dir string) error {
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:        url,
		RemoteName: remoteName,
		Auth:       c.auth(url),
	})
	if err != nil {
		return fmt.Errorf("cloning %s: %w", redact(url), err)
	}
	c.log.DebugCtx("cloned", map[string]any{"url": redact(url), "dir": dir})
	return nil
}

// DefaultBranch returns the branch HEAD pointed at after clone.
func (c *Client) DefaultBranch(_ context.Context, dir string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", dir, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached at %s", head.Hash())
	}
	return head.Name().Short(), nil
}

// Sync fetches origin and checks out branch. An existing remote branch
// wins; otherwise branch is (re)created at the tip of origin/base. The
// worktree is hard reset and cleaned so no state leaks between tasks.
func (c *Client) Sync(ctx context.Context, dir, base, branch string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("opening %s: %w", dir, err)
	}
	if err := c.fetch(ctx, repo); err != nil {
		return err
	}

	target, err := resolveRemote(repo, branch)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		target, err = resolveRemote(repo, base)
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("%w: %s (base %s)", ErrBranchNotFound, branch, base)
		}
	}
	if err != nil {
		return err
	}

	local := plumbing.NewBranchReferenceName(branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(local, target)); err != nil {
		return fmt.Errorf("updating %s: %w", local, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: local, Force: true}); err != nil {
		return fmt.Errorf("checking out %s: %w", branch, err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: target, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("resetting %s: %w", branch, err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("cleaning worktree: %w", err)
	}
	c.log.DebugCtx("synced", map[string]any{"dir": dir, "branch": branch, "commit": target.String()})
	return nil
}

func (c *Client) fetch(ctx context.Context, repo *git.Repository) error {
	remote, err := repo.Remote(remoteName)
	if err != nil {
		return fmt.Errorf("remote %s: %w", remoteName, err)
	}
	url := ""
	if urls := remote.Config().URLs; len(urls) > 0 {
		url = urls[0]
	}
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Auth:       c.auth(url),
		Force:      true,
		Prune:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching %s: %w", remoteName, err)
	}
	return nil
}

func resolveRemote(repo *git.Repository, branch string) (plumbing.Hash, error) {
	ref, err := repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return ref.Hash(), nil
}

// Head returns the commit HEAD points at.
func (c *Client) Head(_ context.Context, dir string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", dir, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// CommitsSince lists commits reachable from HEAD but newer than from,
// newest first. An empty from returns only HEAD.
func (c *Client) CommitsSince(_ context.Context, dir, from string) ([]string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dir, err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}
	if head.Hash().String() == from {
		return nil, nil
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	defer iter.Close()

	var out []string
	err = iter.ForEach(func(cm *object.Commit) error {
		if cm.Hash.String() == from {
			return storer.ErrStop
		}
		out = append(out, cm.Hash.String())
		if from == "" {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking log: %w", err)
	}
	return out, nil
}

// Push pushes branch to origin.
func (c *Client) Push(ctx context.Context, dir, branch string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("opening %s: %w", dir, err)
	}
	remote, err := repo.Remote(remoteName)
	if err != nil {
		return fmt.Errorf("remote %s: %w", remoteName, err)
	}
	url := ""
	if urls := remote.Config().URLs; len(urls) > 0 {
		url = urls[0]
	}
	ref := plumbing.NewBranchReferenceName(branch)
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(ref + ":" + ref)},
		Auth:       c.auth(url),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	c.log.InfoCtx("pushed", map[string]any{"dir": dir, "branch": branch})
	return nil
}

// redact strips userinfo from a URL before it is logged.
func redact(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		slash := strings.Index(rest, "/")
		if slash < 0 || at < slash {
			rest = rest[at+1:]
		}
	}
	return scheme + "://" + rest
}
