// Package naming derives branch names, workspace directory names and
// branch keys for codebot tasks.
//
// Branch names look like u/codebot/[<ticket>/]<hash>/<short-name> and
// workspace directories like task_[<ticket>_]<hash>. The hash is a
// 7-character fragment taken from a random UUID, so every workspace gets
// its own branch even when two tickets share a summary.
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// BranchPrefix is the namespace for every branch codebot creates.
	BranchPrefix = "u/codebot"
	// DirPrefix is the prefix of every workspace directory.
	DirPrefix = "task_"
	// HashLen is the length of the hash fragment.
	HashLen = 7

	maxSlugWords = 5
	maxSlugLen   = 40
	fallbackSlug = "task"
)

var (
	nonSlug    = regexp.MustCompile(`[^a-z0-9]+`)
	nonTicket  = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	hashFormat = regexp.MustCompile(`^[0-9a-f]{7}$`)
)

// Names holds everything derived for one workspace.
type Names struct {
	Hash      string
	Branch    string
	Directory string
	ShortName string
}

// NewHash returns a fresh hash fragment from a random UUID.
func NewHash() string {
	return HashOf(uuid.NewString())
}

// HashOf returns the first HashLen hex characters of sha256(s).
func HashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:HashLen]
}

// Generate builds branch and directory names. The short name comes from
// summary when given, else from the first words of description.
func Generate(ticketID, summary, description, hash string) Names {
	short := Slug(summary)
	if strings.TrimSpace(summary) == "" {
		short = Slug(description)
	}
	return Names{
		Hash:      hash,
		Branch:    BranchName(ticketID, hash, short),
		Directory: DirectoryName(ticketID, hash),
		ShortName: short,
	}
}

// BranchName returns u/codebot/[<ticket>/]<hash>/<short>.
func BranchName(ticketID, hash, short string) string {
	parts := []string{BranchPrefix}
	if t := sanitizeTicket(ticketID); t != "" {
		parts = append(parts, t)
	}
	if short == "" {
		short = fallbackSlug
	}
	parts = append(parts, hash, short)
	return strings.Join(parts, "/")
}

// DirectoryName returns task_[<ticket>_]<hash>.
func DirectoryName(ticketID, hash string) string {
	if t := sanitizeTicket(ticketID); t != "" {
		return DirPrefix + t + "_" + hash
	}
	return DirPrefix + hash
}

// Slug lower-cases text and joins its first few words with hyphens.
// The result is safe as a path element and as a git ref component.
func Slug(text string) string {
	cleaned := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(text), "-"), "-")
	if cleaned == "" {
		return fallbackSlug
	}
	words := strings.Split(cleaned, "-")
	if len(words) > maxSlugWords {
		words = words[:maxSlugWords]
	}
	slug := strings.Join(words, "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return slug
}

// ExtractHash returns the hash fragment of a branch created by codebot,
// or "" when branch is not one of ours.
func ExtractHash(branch string) string {
	rest, ok := strings.CutPrefix(branch, BranchPrefix+"/")
	if !ok {
		return ""
	}
	parts := strings.Split(rest, "/")
	// <hash>/<short> or <ticket>/<hash>/<short>
	switch len(parts) {
	case 2:
		if hashFormat.MatchString(parts[0]) {
			return parts[0]
		}
	case 3:
		if hashFormat.MatchString(parts[1]) {
			return parts[1]
		}
	}
	return ""
}

// BranchKey returns the mutual-exclusion key for a new task: the ticket
// id when present, else a stable hash of repository and description.
func BranchKey(ticketID, repoURL, description string) string {
	if t := sanitizeTicket(ticketID); t != "" {
		return t
	}
	return HashOf(repoURL + "\n" + description)
}

func sanitizeTicket(ticketID string) string {
	t := nonTicket.ReplaceAllString(strings.TrimSpace(ticketID), "-")
	t = strings.Trim(t, ".-")
	// ".." and a trailing ".lock" are not allowed in git refs
	t = strings.ReplaceAll(t, "..", "-")
	t = strings.TrimSuffix(t, ".lock")
	return t
}
