// Package webhook turns GitHub pull request comments into review reply
// tasks. Deliveries are signature checked, parsed, filtered down to
// comments on branches this process created, classified and submitted.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-github/v60/github"

	"github.com/marcus/codebot/internal/classify"
	"github.com/marcus/codebot/internal/integrations"
	"github.com/marcus/codebot/internal/logging"
	"github.com/marcus/codebot/internal/tasks"
)

// Delivery headers.
const (
	EventHeader     = "X-GitHub-Event"
	DeliveryHeader  = "X-GitHub-Delivery"
	SignatureHeader = "X-Hub-Signature-256"
)

var (
	// ErrSignature rejects a delivery whose signature does not match.
	ErrSignature = errors.New("webhook signature verification failed")
	// ErrPayload rejects a delivery that cannot be decoded.
	ErrPayload = errors.New("malformed webhook payload")
)

// Verify checks header, the X-Hub-Signature-256 value, against the
// HMAC-SHA256 of body under secret. The value must carry the sha256=
// prefix.
func Verify(body []byte, header, secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: no secret configured", ErrSignature)
	}
	sig := strings.TrimSpace(header)
	if sig == "" {
		return fmt.Errorf("%w: missing signature", ErrSignature)
	}
	if !strings.HasPrefix(sig, "sha256=") {
		return fmt.Errorf("%w: signature must use the sha256= scheme", ErrSignature)
	}
	if err := github.ValidateSignature(sig, body, []byte(secret)); err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return nil
}

// Comment is a pull request comment extracted from any supported event.
type Comment struct {
	Kind       tasks.CommentKind
	ID         int64
	Body       string
	Author     string
	Path       string
	Line       int
	Owner      string
	Repo       string
	CloneURL   string
	PRNumber   int
	PRTitle    string
	PRBody     string
	HeadBranch string // empty for issue comments
	BaseBranch string
}

// ParseEvent decodes a delivery. It returns a nil comment with a reason
// when the event is valid but not one codebot acts on.
func ParseEvent(eventType string, body []byte) (*Comment, string, error) {
	switch eventType {
	case "pull_request_review_comment", "pull_request_review", "issue_comment":
	case "":
		return nil, "", fmt.Errorf("%w: missing %s header", ErrPayload, EventHeader)
	default:
		return nil, "unsupported event " + eventType, nil
	}

	event, err := github.ParseWebHook(eventType, body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrPayload, err)
	}

	switch e := event.(type) {
	case *github.PullRequestReviewCommentEvent:
		if e.GetAction() != "created" {
			return nil, "ignoring action " + e.GetAction(), nil
		}
		c := fromPR(e.GetRepo(), e.GetPullRequest())
		c.Kind = tasks.CommentReview
		c.ID = e.GetComment().GetID()
		c.Body = e.GetComment().GetBody()
		c.Author = e.GetComment().GetUser().GetLogin()
		c.Path = e.GetComment().GetPath()
		c.Line = e.GetComment().GetLine()
		if c.Line == 0 {
			c.Line = e.GetComment().GetOriginalLine()
		}
		return c, "", nil

	case *github.PullRequestReviewEvent:
		if e.GetAction() != "submitted" {
			return nil, "ignoring action " + e.GetAction(), nil
		}
		if strings.TrimSpace(e.GetReview().GetBody()) == "" {
			return nil, "review has no body", nil
		}
		c := fromPR(e.GetRepo(), e.GetPullRequest())
		c.Kind = tasks.CommentPRReview
		c.ID = e.GetReview().GetID()
		c.Body = e.GetReview().GetBody()
		c.Author = e.GetReview().GetUser().GetLogin()
		return c, "", nil

	case *github.IssueCommentEvent:
		if e.GetAction() != "created" {
			return nil, "ignoring action " + e.GetAction(), nil
		}
		if !e.GetIssue().IsPullRequest() {
			return nil, "not a pull request comment", nil
		}
		repo := e.GetRepo()
		return &Comment{
			Kind:     tasks.CommentIssue,
			ID:       e.GetComment().GetID(),
			Body:     e.GetComment().GetBody(),
			Author:   e.GetComment().GetUser().GetLogin(),
			Owner:    repo.GetOwner().GetLogin(),
			Repo:     repo.GetName(),
			CloneURL: repo.GetCloneURL(),
			PRNumber: e.GetIssue().GetNumber(),
			PRTitle:  e.GetIssue().GetTitle(),
			PRBody:   e.GetIssue().GetBody(),
		}, "", nil
	}
	return nil, fmt.Sprintf("unexpected payload %T", event), nil
}

func fromPR(repo *github.Repository, pr *github.PullRequest) *Comment {
	return &Comment{
		Owner:      repo.GetOwner().GetLogin(),
		Repo:       repo.GetName(),
		CloneURL:   repo.GetCloneURL(),
		PRNumber:   pr.GetNumber(),
		PRTitle:    pr.GetTitle(),
		PRBody:     pr.GetBody(),
		HeadBranch: pr.GetHead().GetRef(),
		BaseBranch: pr.GetBase().GetRef(),
	}
}

// Submitter queues a task.
type Submitter interface {
	Submit(kind tasks.Kind, branchKey string, payload tasks.Payload) (tasks.Task, error)
}

// BranchResolver maps a pull request head branch to the branch key of the
// workspace that produced it.
type BranchResolver interface {
	ResolveBranch(branch string) (key string, ok bool)
}

// PRFetcher looks up a pull request. Issue comment payloads carry no head
// branch, so the ingestor asks for it.
type PRFetcher interface {
	GetPR(ctx context.Context, owner, repo string, number int) (*integrations.PullRequest, error)
}

// Outcome reports what happened to a delivery.
type Outcome struct {
	Queued bool            `json:"queued"`
	TaskID string          `json:"task_id,omitempty"`
	Intent classify.Intent `json:"intent,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// Ingestor converts deliveries into review reply tasks.
type Ingestor struct {
	submit   Submitter
	resolver BranchResolver
	prs      PRFetcher
	botLogin string
	log      *logging.Logger
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithBotLogin ignores comments authored by login.
func WithBotLogin(login string) Option {
	return func(i *Ingestor) { i.botLogin = login }
}

// WithPRFetcher resolves head branches for issue comments.
func WithPRFetcher(f PRFetcher) Option {
	return func(i *Ingestor) { i.prs = f }
}

// NewIngestor creates an ingestor.
func NewIngestor(submit Submitter, resolver BranchResolver, opts ...Option) *Ingestor {
	i := &Ingestor{
		submit:   submit,
		resolver: resolver,
		log:      logging.Component("webhook"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Handle parses a verified delivery and submits a task for it when it is
// a comment on a codebot branch. Submission errors such as a full queue
// are returned to the caller.
func (i *Ingestor) Handle(ctx context.Context, eventType string, body []byte) (Outcome, error) {
	c, reason, err := ParseEvent(eventType, body)
	if err != nil {
		return Outcome{}, err
	}
	if c == nil {
		return i.ignore(eventType, reason), nil
	}
	return i.HandleComment(ctx, *c)
}

// HandleComment filters, classifies and submits one comment.
func (i *Ingestor) HandleComment(ctx context.Context, c Comment) (Outcome, error) {
	if strings.Contains(c.Body, integrations.ReplyMarker) {
		return i.ignore(string(c.Kind), "comment posted by codebot"), nil
	}
	if i.botLogin != "" && strings.EqualFold(c.Author, i.botLogin) {
		return i.ignore(string(c.Kind), "comment authored by the bot account"), nil
	}
	if strings.TrimSpace(c.Body) == "" {
		return i.ignore(string(c.Kind), "empty comment"), nil
	}

	if c.HeadBranch == "" {
		if i.prs == nil {
			return i.ignore(string(c.Kind), "cannot resolve pull request branch"), nil
		}
		pr, err := i.prs.GetPR(ctx, c.Owner, c.Repo, c.PRNumber)
		if err != nil {
			return Outcome{}, fmt.Errorf("looking up pull request #%d: %w", c.PRNumber, err)
		}
		c.HeadBranch = pr.HeadBranch
		c.BaseBranch = pr.BaseBranch
	}

	key, ok := i.resolver.ResolveBranch(c.HeadBranch)
	if !ok {
		return i.ignore(string(c.Kind), "branch "+c.HeadBranch+" is not managed by codebot"), nil
	}

	intent := classify.Classify(c.Body)
	payload := tasks.Payload{
		RepositoryURL: c.CloneURL,
		Description:   c.Body,
		BaseBranch:    c.BaseBranch,
		Review: &tasks.ReviewTarget{
			Owner:       c.Owner,
			Repo:        c.Repo,
			PRNumber:    c.PRNumber,
			PRTitle:     c.PRTitle,
			PRBody:      c.PRBody,
			HeadBranch:  c.HeadBranch,
			CommentID:   c.ID,
			CommentKind: c.Kind,
			Author:      c.Author,
			Path:        c.Path,
			Line:        c.Line,
			Intent:      intent,
		},
	}
	task, err := i.submit.Submit(tasks.KindReviewReply, key, payload)
	if err != nil {
		return Outcome{}, err
	}

	i.log.InfoCtx("review reply queued", map[string]any{
		"task_id":    task.ID,
		"branch_key": key,
		"pr":         c.PRNumber,
		"comment_id": c.ID,
		"intent":     string(intent),
	})
	return Outcome{Queued: true, TaskID: task.ID, Intent: intent}, nil
}

func (i *Ingestor) ignore(event, reason string) Outcome {
	i.log.DebugCtx("delivery ignored", map[string]any{"event": event, "reason": reason})
	return Outcome{Reason: reason}
}
