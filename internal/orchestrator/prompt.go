package orchestrator

import (
	"fmt"
	"strings"

	"github.com/marcus/codebot/internal/integrations"
	"github.com/marcus/codebot/internal/tasks"
)

// NewTaskPrompt builds the agent prompt for an ad-hoc task.
func NewTaskPrompt(pl tasks.Payload) string {
	var sb strings.Builder
	sb.WriteString("You are working in a fresh checkout of the repository on a dedicated branch.\n\n")
	sb.WriteString("## Task\n")
	if pl.TicketID != "" {
		fmt.Fprintf(&sb, "Ticket: %s\n", pl.TicketID)
	}
	if pl.TicketSummary != "" {
		fmt.Fprintf(&sb, "Summary: %s\n", pl.TicketSummary)
	}
	fmt.Fprintf(&sb, "\n%s\n\n", strings.TrimSpace(pl.Description))

	sb.WriteString("## Instructions\n")
	sb.WriteString("1. Make the changes the task asks for\n")
	if pl.TestCommand != "" {
		fmt.Fprintf(&sb, "2. Verify them by running `%s` and fix any failures\n", pl.TestCommand)
	} else {
		sb.WriteString("2. Run the project's tests if it has any\n")
	}
	sb.WriteString("3. Commit your work with a clear message. Do not push.\n")
	return sb.String()
}

// ChangeRequestPrompt builds the prompt for a review comment asking for
// changes.
func ChangeRequestPrompt(rv tasks.ReviewTarget, comment string) string {
	var sb strings.Builder
	writeReviewContext(&sb, rv, comment)
	sb.WriteString("## Instructions\n")
	sb.WriteString("This is a change request. You should:\n")
	sb.WriteString("1. Understand what changes are being requested\n")
	sb.WriteString("2. Make the necessary code changes\n")
	sb.WriteString("3. Run the tests to make sure nothing is broken\n")
	sb.WriteString("4. Commit with a message that says it addresses a review comment. Do not push.\n")
	return sb.String()
}

// QueryPrompt builds the prompt for a review comment asking a question.
func QueryPrompt(rv tasks.ReviewTarget, comment string) string {
	var sb strings.Builder
	writeReviewContext(&sb, rv, comment)
	sb.WriteString("## Instructions\n")
	sb.WriteString("This is a question. You should:\n")
	sb.WriteString("1. Understand what is being asked\n")
	sb.WriteString("2. Answer clearly, referencing specific code or files where relevant\n")
	sb.WriteString("3. Not modify or commit any files\n\n")
	sb.WriteString("Your output is posted verbatim as the reply comment.\n")
	return sb.String()
}

func writeReviewContext(sb *strings.Builder, rv tasks.ReviewTarget, comment string) {
	sb.WriteString("You are responding to a code review comment on a pull request.\n\n")
	sb.WriteString("## Pull Request\n")
	fmt.Fprintf(sb, "#%d", rv.PRNumber)
	if rv.PRTitle != "" {
		fmt.Fprintf(sb, " %s", rv.PRTitle)
	}
	sb.WriteString("\n")
	if body := strings.TrimSpace(stripMarker(rv.PRBody)); body != "" {
		fmt.Fprintf(sb, "\n### Original Task Description\n%s\n", body)
	}
	sb.WriteString("\n## Review Comment\n")
	if rv.Author != "" {
		fmt.Fprintf(sb, "From: @%s\n", rv.Author)
	}
	if rv.Path != "" {
		if rv.Line > 0 {
			fmt.Fprintf(sb, "On: %s:%d\n", rv.Path, rv.Line)
		} else {
			fmt.Fprintf(sb, "On: %s\n", rv.Path)
		}
	}
	fmt.Fprintf(sb, "\n%s\n\n", strings.TrimSpace(comment))
}

// PRTitle returns the pull request title for a new task.
func PRTitle(pl tasks.Payload) string {
	title := pl.TicketSummary
	if title == "" {
		title = firstLine(pl.Description)
	}
	if r := []rune(title); len(r) > 72 {
		title = strings.TrimSpace(string(r[:69])) + "..."
	}
	if pl.TicketID != "" {
		return fmt.Sprintf("[%s] %s", pl.TicketID, title)
	}
	return title
}

// PRBody returns the pull request description for a new task.
func PRBody(pl tasks.Payload, commits []string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(pl.Description))
	sb.WriteString("\n\n")
	if pl.TestCommand != "" {
		fmt.Fprintf(&sb, "Verified with `%s`.\n\n", pl.TestCommand)
	}
	writeCommits(&sb, commits)
	sb.WriteString("\n" + integrations.ReplyMarker + "\n")
	return sb.String()
}

// ChangeReplyBody is the reply posted after a change request was addressed.
func ChangeReplyBody(commits []string) string {
	var sb strings.Builder
	sb.WriteString("Addressed in the following commit(s):\n\n")
	writeCommits(&sb, commits)
	sb.WriteString("\n" + integrations.ReplyMarker + "\n")
	return sb.String()
}

// QueryReplyBody is the reply posted with the agent's answer.
func QueryReplyBody(answer string) string {
	return strings.TrimSpace(answer) + "\n\n" + integrations.ReplyMarker + "\n"
}

func writeCommits(sb *strings.Builder, commits []string) {
	for _, c := range commits {
		fmt.Fprintf(sb, "- %s\n", shortSHA(c))
	}
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func stripMarker(s string) string {
	return strings.ReplaceAll(s, integrations.ReplyMarker, "")
}
