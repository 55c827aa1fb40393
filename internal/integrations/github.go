package integrations

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v60/github"
	"golang.org/x/oauth2"

	"github.com/marcus/codebot/internal/logging"
)

// ReplyMarker is embedded in every comment codebot posts so its own
// replies are never ingested again.
const ReplyMarker = "<!-- codebot -->"

// ErrInvalidRepoURL is returned when an owner/repo pair cannot be derived.
var ErrInvalidRepoURL = errors.New("cannot parse repository url")

// PullRequest is the subset of a GitHub pull request codebot uses.
type PullRequest struct {
	Number     int
	URL        string
	Title      string
	Body       string
	HeadBranch string
	BaseBranch string
}

// NewPR describes a pull request to open.
type NewPR struct {
	Head  string
	Base  string
	Title string
	Body  string
}

// ReplyTarget identifies the comment a reply answers.
type ReplyTarget struct {
	Owner     string
	Repo      string
	PRNumber  int
	CommentID int64
	// InThread posts into the review-comment thread of CommentID instead
	// of the PR conversation.
	InThread bool
}

// GitHub wraps the go-github client with the calls the pipeline needs.
type GitHub struct {
	client *github.Client
	log    *logging.Logger
}

// GitHubOption configures a GitHub client.
type GitHubOption func(*GitHub) error

// WithBaseURL points the client at another API root, such as GitHub
// Enterprise or a test server.
func WithBaseURL(base string) GitHubOption {
	return func(g *GitHub) error {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return fmt.Errorf("parsing base url: %w", err)
		}
		g.client.BaseURL = u
		return nil
	}
}

// NewGitHub creates a client authenticated with token.
func NewGitHub(token string, opts ...GitHubOption) (*GitHub, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)

	g := &GitHub{
		client: github.NewClient(tc),
		log:    logging.Component("github"),
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// ValidateToken checks the token against the API and returns its login.
func (g *GitHub) ValidateToken(ctx context.Context) (string, error) {
	user, _, err := g.client.Users.Get(ctx, "")
	if err != nil {
		return "", fmt.Errorf("validating github token: %w", err)
	}
	return user.GetLogin(), nil
}

// FindOpenPR returns the open pull request whose head is branch, or nil.
func (g *GitHub) FindOpenPR(ctx context.Context, owner, repo, branch string) (*PullRequest, error) {
	prs, _, err := g.client.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		State: "open",
		Head:  owner + ":" + branch,
	})
	if err != nil {
		return nil, fmt.Errorf("listing pull requests for %s: %w", branch, err)
	}
	for _, pr := range prs {
		if pr.GetHead().GetRef() == branch {
			return convertPR(pr), nil
		}
	}
	return nil, nil
}

// GetPR fetches a pull request by number.
func (g *GitHub) GetPR(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	pr, _, err := g.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("getting pull request #%d: %w", number, err)
	}
	return convertPR(pr), nil
}

// CreatePR opens a pull request.
func (g *GitHub) CreatePR(ctx context.Context, owner, repo string, in NewPR) (*PullRequest, error) {
	pr, _, err := g.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(in.Title),
		Head:  github.String(in.Head),
		Base:  github.String(in.Base),
		Body:  github.String(in.Body),
	})
	if err != nil {
		return nil, fmt.Errorf("creating pull request for %s: %w", in.Head, err)
	}
	g.log.InfoCtx("pull request created", map[string]any{"url": pr.GetHTMLURL(), "head": in.Head})
	return convertPR(pr), nil
}

// UpdatePR replaces the title and body of an existing pull request.
func (g *GitHub) UpdatePR(ctx context.Context, owner, repo string, number int, title, body string) (*PullRequest, error) {
	pr, _, err := g.client.PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{
		Title: github.String(title),
		Body:  github.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("updating pull request #%d: %w", number, err)
	}
	g.log.InfoCtx("pull request updated", map[string]any{"url": pr.GetHTMLURL()})
	return convertPR(pr), nil
}

// Reply posts body as an answer to a review comment and returns its URL.
func (g *GitHub) Reply(ctx context.Context, t ReplyTarget, body string) (string, error) {
	if t.InThread {
		c, _, err := g.client.PullRequests.CreateCommentInReplyTo(ctx, t.Owner, t.Repo, t.PRNumber, body, t.CommentID)
		if err != nil {
			return "", fmt.Errorf("replying to review comment %d: %w", t.CommentID, err)
		}
		return c.GetHTMLURL(), nil
	}
	c, _, err := g.client.Issues.CreateComment(ctx, t.Owner, t.Repo, t.PRNumber, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return "", fmt.Errorf("commenting on #%d: %w", t.PRNumber, err)
	}
	return c.GetHTMLURL(), nil
}

// Repository is a repository the token can reach.
type Repository struct {
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
	CloneURL string `json:"clone_url"`
}

// ListRepositories returns every repository the token's user can access,
// following pagination.
func (g *GitHub) ListRepositories(ctx context.Context) ([]Repository, error) {
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		Sort:        "full_name",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var out []Repository
	for {
		repos, resp, err := g.client.Repositories.ListByAuthenticatedUser(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("listing repositories: %w", err)
		}
		for _, r := range repos {
			out = append(out, Repository{
				FullName: r.GetFullName(),
				HTMLURL:  r.GetHTMLURL(),
				CloneURL: r.GetCloneURL(),
			})
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

func convertPR(pr *github.PullRequest) *PullRequest {
	return &PullRequest{
		Number:     pr.GetNumber(),
		URL:        pr.GetHTMLURL(),
		Title:      pr.GetTitle(),
		Body:       pr.GetBody(),
		HeadBranch: pr.GetHead().GetRef(),
		BaseBranch: pr.GetBase().GetRef(),
	}
}

// ParseRepoURL extracts owner and repository name from an HTTPS or SSH
// clone URL.
func ParseRepoURL(raw string) (owner, repo string, err error) {
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(s, "git@"):
		// git@host:owner/repo.git
		_, path, ok := strings.Cut(s, ":")
		if !ok {
			return "", "", fmt.Errorf("%w: %s", ErrInvalidRepoURL, raw)
		}
		s = path
	case strings.Contains(s, "://"):
		u, perr := url.Parse(s)
		if perr != nil {
			return "", "", fmt.Errorf("%w: %s", ErrInvalidRepoURL, raw)
		}
		s = u.Path
	default:
		return "", "", fmt.Errorf("%w: %s", ErrInvalidRepoURL, raw)
	}

	s = strings.TrimSuffix(strings.Trim(s, "/"), ".git")
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidRepoURL, raw)
	}
	return parts[0], parts[1], nil
}
