// Package review normalises fix descriptions into the dashboard format
// "<BUG> error in <file> line <n> → Fix: <phrase>".
package review

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/lucasnoah/cihealer/internal/pipeline"
)

var canonicalRe = regexp.MustCompile(`^[A-Z_]+ error in .+ line [\d?]+ → Fix: .+$`)

// defaultPhrases are the remediation phrases used for generic descriptions.
var defaultPhrases = map[pipeline.BugType]string{
	pipeline.BugLinting:     "remove the import statement",
	pipeline.BugSyntax:      "add the colon at the correct position",
	pipeline.BugIndentation: "fix indentation",
	pipeline.BugImport:      "fix module import",
	pipeline.BugLogic:       "fix assertion",
	pipeline.BugTypeError:   "fix type error",
}

const fallbackPhrase = "fix applied"

// Matches reports whether description is already in canonical form.
func Matches(description string) bool {
	return canonicalRe.MatchString(description)
}

// Phrase returns the default remediation phrase for a bug type.
func Phrase(b pipeline.BugType) string {
	if p, ok := defaultPhrases[b]; ok {
		return p
	}
	return fallbackPhrase
}

// Describe builds the canonical description for fix, keeping a specific
// existing description as the phrase.
func Describe(fix pipeline.Fix) string {
	phrase := fix.Description
	switch phrase {
	case "", "applied", "Fix applied":
		phrase = Phrase(fix.BugType)
	}
	line := "?"
	if fix.Line > 0 {
		line = strconv.Itoa(fix.Line)
	}
	return fmt.Sprintf("%s error in %s line %s → Fix: %s", fix.BugType, fix.File, line, phrase)
}

// Review returns a copy of fixes with every non-canonical description
// rewritten. Canonical descriptions are left alone, so Review is idempotent.
func Review(fixes []pipeline.Fix) []pipeline.Fix {
	out := make([]pipeline.Fix, len(fixes))
	for i, f := range fixes {
		if !Matches(f.Description) {
			f.Description = Describe(f)
		}
		out[i] = f
	}
	return out
}
