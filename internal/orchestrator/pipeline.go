package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/marcus/codebot/internal/agents"
	"github.com/marcus/codebot/internal/classify"
	"github.com/marcus/codebot/internal/integrations"
	"github.com/marcus/codebot/internal/logging"
	"github.com/marcus/codebot/internal/retry"
	"github.com/marcus/codebot/internal/tasklog"
	"github.com/marcus/codebot/internal/tasks"
	"github.com/marcus/codebot/internal/workspace"
)

func (p *Pool) runNewTask(ctx context.Context, log *logging.Logger, worker int, task tasks.Task, res *tasks.Result) error {
	pl := task.Payload
	ws, err := p.acquire(ctx, worker, task, workspace.AcquireRequest{
		BranchKey:   task.BranchKey,
		RepoURL:     pl.RepositoryURL,
		BaseBranch:  pl.BaseBranch,
		TicketID:    pl.TicketID,
		Summary:     pl.TicketSummary,
		Description: pl.Description,
	})
	if err != nil {
		return err
	}
	res.BranchName = ws.Branch

	out, err := p.runAgent(ctx, log, worker, task, ws, NewTaskPrompt(pl))
	if err != nil {
		return err
	}
	if !out.Committed {
		return ErrNoChanges
	}
	res.Commits = out.CommitRefs
	log.InfoCtx("agent committed", map[string]any{"commits": len(out.CommitRefs)})

	if err := p.push(ctx, log, worker, task, ws); err != nil {
		return err
	}

	return p.step(worker, task, StepPR, func() error {
		pr, err := p.upsertPR(ctx, log, ws, pl, res.Commits)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPR, err)
		}
		res.PRURL = pr.URL
		return nil
	})
}

func (p *Pool) runReply(ctx context.Context, log *logging.Logger, worker int, task tasks.Task, res *tasks.Result) error {
	rv := task.Payload.Review
	if rv == nil {
		return errors.New("review reply has no review target")
	}

	ws, err := p.acquire(ctx, worker, task, workspace.AcquireRequest{
		BranchKey:  task.BranchKey,
		RepoURL:    task.Payload.RepositoryURL,
		BaseBranch: task.Payload.BaseBranch,
		Branch:     rv.HeadBranch,
	})
	if err != nil {
		return err
	}
	res.BranchName = ws.Branch

	var body string
	if rv.Intent == classify.ChangeRequest {
		out, err := p.runAgent(ctx, log, worker, task, ws, ChangeRequestPrompt(*rv, task.Payload.Description))
		if err != nil {
			return err
		}
		if !out.Committed {
			return ErrNoChanges
		}
		res.Commits = out.CommitRefs
		if err := p.push(ctx, log, worker, task, ws); err != nil {
			return err
		}
		body = ChangeReplyBody(out.CommitRefs)
	} else {
		out, err := p.runAgent(ctx, log, worker, task, ws, QueryPrompt(*rv, task.Payload.Description))
		if err != nil {
			return err
		}
		answer := strings.TrimSpace(out.Answer)
		if answer == "" {
			answer = strings.TrimSpace(out.Output)
		}
		if answer == "" {
			return fmt.Errorf("%w: empty answer", ErrAgent)
		}
		res.Answer = answer
		body = QueryReplyBody(answer)
	}

	return p.step(worker, task, StepReply, func() error {
		url, err := p.github.Reply(ctx, integrations.ReplyTarget{
			Owner:     rv.Owner,
			Repo:      rv.Repo,
			PRNumber:  rv.PRNumber,
			CommentID: rv.CommentID,
			InThread:  rv.CommentKind == tasks.CommentReview,
		}, body)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPR, err)
		}
		res.ReplyURL = url
		log.InfoCtx("reply posted", map[string]any{"url": url})
		return nil
	})
}

func (p *Pool) acquire(ctx context.Context, worker int, task tasks.Task, req workspace.AcquireRequest) (workspace.Workspace, error) {
	var ws workspace.Workspace
	err := p.step(worker, task, StepWorkspace, func() error {
		var err error
		ws, err = p.store.Acquire(ctx, req)
		return err
	})
	return ws, err
}

func (p *Pool) runAgent(ctx context.Context, log *logging.Logger, worker int, task tasks.Task, ws workspace.Workspace, prompt string) (*agents.RunResult, error) {
	var files []string
	if p.contextFiles != nil {
		found, err := p.contextFiles.ContextFiles(ctx, ws.Path)
		if err != nil {
			log.WarnCtx("reading context files", map[string]any{"error": err.Error()})
		}
		files = found
	}

	opts := agents.RunOptions{
		Prompt:       prompt,
		WorkDir:      ws.Path,
		ContextFiles: files,
		Timeout:      p.agentTimeout,
	}
	if p.logs != nil {
		stdout := p.logs.Writer(task.ID, tasklog.SourceStdout)
		stderr := p.logs.Writer(task.ID, tasklog.SourceStderr)
		defer func() {
			_ = stdout.Close()
			_ = stderr.Close()
		}()
		opts.Stdout, opts.Stderr = stdout, stderr
	}

	var out *agents.RunResult
	err := p.step(worker, task, StepAgent, func() error {
		r, err := p.agent.Run(ctx, opts)
		if err != nil {
			detail := err.Error()
			if r != nil && r.Error != "" && r.Error != detail {
				detail = r.Error + ": " + detail
			}
			return fmt.Errorf("%w: %s: %s", ErrAgent, p.agent.Name(), detail)
		}
		if r == nil {
			return fmt.Errorf("%w: %s returned no result", ErrAgent, p.agent.Name())
		}
		if !r.IsSuccess() {
			return fmt.Errorf("%w: %s: %s", ErrAgent, p.agent.Name(), r.Error)
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.InfoCtx("agent finished", map[string]any{
		"agent":     p.agent.Name(),
		"duration":  out.Duration.String(),
		"committed": out.Committed,
	})
	return out, nil
}

// push publishes the workspace branch, retrying per the push policy.
func (p *Pool) push(ctx context.Context, log *logging.Logger, worker int, task tasks.Task, ws workspace.Workspace) error {
	return p.step(worker, task, StepPush, func() error {
		err := retry.Do(ctx, p.pushPolicy, func(attempt int) error {
			err := p.pusher.Push(ctx, ws.Path, ws.Branch)
			if err != nil {
				log.WarnCtx("push failed", map[string]any{"attempt": attempt, "error": err.Error()})
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPush, err)
		}
		return nil
	})
}

// upsertPR updates the open pull request for the branch, or opens one.
func (p *Pool) upsertPR(ctx context.Context, log *logging.Logger, ws workspace.Workspace, pl tasks.Payload, commits []string) (*integrations.PullRequest, error) {
	owner, repo, err := integrations.ParseRepoURL(pl.RepositoryURL)
	if err != nil {
		return nil, err
	}
	title := PRTitle(pl)
	body := PRBody(pl, commits)

	existing, err := p.github.FindOpenPR(ctx, owner, repo, ws.Branch)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		pr, err := p.github.UpdatePR(ctx, owner, repo, existing.Number, title, body)
		if err != nil {
			return nil, err
		}
		log.InfoCtx("pull request updated", map[string]any{"number": pr.Number, "url": pr.URL})
		return pr, nil
	}

	pr, err := p.github.CreatePR(ctx, owner, repo, integrations.NewPR{
		Head:  ws.Branch,
		Base:  ws.BaseBranch,
		Title: title,
		Body:  body,
	})
	if err != nil {
		return nil, err
	}
	log.InfoCtx("pull request created", map[string]any{"number": pr.Number, "url": pr.URL})
	return pr, nil
}
