// Package tasks defines the codebot task model and the in-memory registry
// that owns task records for the lifetime of the process.
package tasks

import (
	"time"

	"github.com/marcus/codebot/internal/classify"
)

// Kind distinguishes ad-hoc tasks from replies to review comments.
type Kind string

const (
	KindNewTask     Kind = "new_task"
	KindReviewReply Kind = "review_reply"
)

// Status is the lifecycle position of a task. It only moves forward:
// queued -> running -> succeeded|failed -> purged.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusPurged    Status = "purged"
)

// Terminal reports whether the task has finished running.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// CommentKind identifies which GitHub object a review reply answers.
type CommentKind string

const (
	// CommentReview is an inline comment on a diff line.
	CommentReview CommentKind = "review_comment"
	// CommentPRReview is the body of a submitted pull request review.
	CommentPRReview CommentKind = "review"
	// CommentIssue is a top-level conversation comment on the PR.
	CommentIssue CommentKind = "issue_comment"
)

// ReviewTarget references the pull request comment a reply task answers.
type ReviewTarget struct {
	Owner       string          `json:"owner"`
	Repo        string          `json:"repo"`
	PRNumber    int             `json:"pr_number"`
	PRTitle     string          `json:"pr_title,omitempty"`
	PRBody      string          `json:"pr_body,omitempty"`
	HeadBranch  string          `json:"head_branch"`
	CommentID   int64           `json:"comment_id"`
	CommentKind CommentKind     `json:"comment_kind"`
	Author      string          `json:"author,omitempty"`
	Path        string          `json:"path,omitempty"`
	Line        int             `json:"line,omitempty"`
	Intent      classify.Intent `json:"intent"`
}

// Payload is what a submitter asks for.
type Payload struct {
	RepositoryURL string        `json:"repository_url" yaml:"repository_url" validate:"required"`
	Description   string        `json:"description" yaml:"description" validate:"required"`
	TicketID      string        `json:"ticket_id,omitempty" yaml:"ticket_id,omitempty" validate:"max=128"`
	TicketSummary string        `json:"ticket_summary,omitempty" yaml:"ticket_summary,omitempty"`
	TestCommand   string        `json:"test_command,omitempty" yaml:"test_command,omitempty"`
	BaseBranch    string        `json:"base_branch,omitempty" yaml:"base_branch,omitempty"`
	Review        *ReviewTarget `json:"review,omitempty" yaml:"-"`
}

// Result is set when a task reaches a terminal status.
type Result struct {
	BranchName string   `json:"branch_name,omitempty"`
	PRURL      string   `json:"pr_url,omitempty"`
	ReplyURL   string   `json:"reply_url,omitempty"`
	Answer     string   `json:"answer,omitempty"`
	Commits    []string `json:"commits,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Task is one unit of orchestrated work.
type Task struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	BranchKey  string     `json:"branch_key"`
	Payload    Payload    `json:"payload"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     *Result    `json:"result,omitempty"`
}

// Intent returns the classified intent of a review reply, or "" for new tasks.
func (t Task) Intent() classify.Intent {
	if t.Payload.Review == nil {
		return ""
	}
	return t.Payload.Review.Intent
}

// ExpectsChanges reports whether the pipeline must produce a commit.
func (t Task) ExpectsChanges() bool {
	return t.Kind == KindNewTask || t.Intent() == classify.ChangeRequest
}

// clone returns a deep copy so callers never share registry memory.
func (t *Task) clone() Task {
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		c.FinishedAt = &v
	}
	if t.Result != nil {
		r := *t.Result
		r.Commits = append([]string(nil), t.Result.Commits...)
		c.Result = &r
	}
	if t.Payload.Review != nil {
		rv := *t.Payload.Review
		c.Payload.Review = &rv
	}
	return c
}
