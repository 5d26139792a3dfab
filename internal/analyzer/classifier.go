// Package analyzer turns raw test and compiler output into located,
// classified failure records.
package analyzer

import (
	"strings"

	"github.com/lucasnoah/cihealer/internal/pipeline"
)

// Pattern maps a case-insensitive text fragment to a bug type.
type Pattern struct {
	Fragment string
	BugType  pipeline.BugType
}

// PatternTable is an ordered list of patterns; the first match wins.
type PatternTable []Pattern

// DefaultPatterns returns the built-in table. The order is significant:
// "unused import" is tested before anything else and SYNTAX before
// INDENTATION, so a block mentioning both is reported as SYNTAX.
func DefaultPatterns() PatternTable {
	return PatternTable{
		{"unused import", pipeline.BugLinting},
		{"SyntaxError", pipeline.BugSyntax},
		{"missing ':'", pipeline.BugSyntax},
		{"expected ':'", pipeline.BugSyntax},
		{"invalid syntax", pipeline.BugSyntax},
		{"IndentationError", pipeline.BugIndentation},
		{"ModuleNotFoundError", pipeline.BugImport},
		{"AssertionError", pipeline.BugLogic},
		{"TypeError", pipeline.BugTypeError},
	}
}

// Classifier assigns bug types to text blocks using a fixed pattern table.
type Classifier struct {
	patterns []Pattern // fragments pre-lowered
}

// NewClassifier copies table so later edits by the caller have no effect.
func NewClassifier(table PatternTable) *Classifier {
	c := &Classifier{patterns: make([]Pattern, len(table))}
	for i, p := range table {
		c.patterns[i] = Pattern{Fragment: strings.ToLower(p.Fragment), BugType: p.BugType}
	}
	return c
}

// Classify returns the bug type of the first pattern found in text.
func (c *Classifier) Classify(text string) (pipeline.BugType, bool) {
	lower := strings.ToLower(text)
	for _, p := range c.patterns {
		if p.Fragment != "" && strings.Contains(lower, p.Fragment) {
			return p.BugType, true
		}
	}
	return "", false
}
