// Package classify decides whether a pull-request comment asks for a
// code change or only asks a question.
package classify

import (
	"regexp"
	"strings"
)

// Intent is the classification of a review comment.
type Intent string

const (
	// Query asks for information. No code is changed.
	Query Intent = "query"
	// ChangeRequest asks for a modification of the code.
	ChangeRequest Intent = "change_request"
)

// Pattern is one entry of the phrase table.
type Pattern struct {
	Name string
	Expr *regexp.Regexp
}

const (
	editVerbs   = `change|fix|update|add|remove|delete|rename|refactor|move|replace|implement|modify|adjust|extract|revert|simplify|clean\s+up`
	verbs       = `(` + editVerbs + `|make|use)`
	modalVerbs  = `(` + editVerbs + `|use)`
	participles = `(changed|fixed|updated|added|removed|deleted|renamed|refactored|moved|replaced|implemented|modified|adjusted|simplified)`
)

var patterns = []Pattern{
	{"please-verb", regexp.MustCompile(`\bplease\s+` + verbs + `\b`)},
	{"modal-you", regexp.MustCompile(`\b(can|could|would)\s+you\s+(please\s+)?` + modalVerbs + `\b`)},
	{"should", regexp.MustCompile(`\bshould\s+(be\s+` + participles + `|` + verbs + `)\b`)},
	{"needs-to", regexp.MustCompile(`\bneeds\s+to\s+be\s+` + participles + `\b`)},
	{"must", regexp.MustCompile(`\bmust\s+(be\s+` + participles + `|` + verbs + `)\b`)},
	{"lets", regexp.MustCompile(`\blet'?s\s+` + verbs + `\b`)},
}

// Patterns returns a copy of the phrase table, in match order.
func Patterns() []Pattern {
	out := make([]Pattern, len(patterns))
	copy(out, patterns)
	return out
}

// Classify maps comment text to an Intent. Anything that matches no
// pattern, including empty text, is a Query.
func Classify(text string) Intent {
	if Match(text) != "" {
		return ChangeRequest
	}
	return Query
}

// Match returns the name of the first pattern text matches, or "".
func Match(text string) string {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return ""
	}
	for _, p := range patterns {
		if p.Expr.MatchString(lower) {
			return p.Name
		}
	}
	return ""
}
