package analyzer

import (
	"strings"

	"github.com/lucasnoah/cihealer/internal/checks"
	"github.com/lucasnoah/cihealer/internal/pipeline"
)

// Extractor scans test output for failures with a recognised bug type.
type Extractor struct {
	classifier *Classifier
}

// NewExtractor creates an Extractor backed by classifier.
func NewExtractor(classifier *Classifier) *Extractor {
	return &Extractor{classifier: classifier}
}

// Extract returns the failures found in output, deduplicated by (file, line)
// in scan order. Traceback frames are scanned first; "FAILED" lines are only
// consulted when no traceback frame produced a failure.
func (e *Extractor) Extract(output, repoRoot string) []pipeline.Failure {
	lines := strings.Split(output, "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}

	var found []pipeline.Failure

	for i, line := range lines {
		if !strings.Contains(line, `File "`) || !strings.Contains(line, ", line ") {
			continue
		}
		file, lineNum, ok := ExtractLocation(line)
		if !ok {
			continue
		}
		block := window(lines, i-3, i+6)
		if f, ok := e.failure(file, lineNum, block, repoRoot); ok {
			found = append(found, f)
		}
	}

	if len(found) == 0 {
		for i, line := range lines {
			trimmed := strings.TrimSpace(line)
			if !strings.Contains(trimmed, "FAILED") {
				continue
			}
			file, lineNum, ok := ExtractLocation(trimmed)
			if !ok && i+1 < len(lines) {
				file, lineNum, ok = ExtractLocation(lines[i+1])
			}
			if !ok {
				continue
			}
			block := window(lines, i-2, i+5)
			if f, ok := e.failure(file, lineNum, block, repoRoot); ok {
				found = append(found, f)
			}
		}
	}

	return Dedup(found)
}

// FromCompileErrors turns compile failures into failure records. A message
// the classifier does not recognise is still a compile failure and is
// recorded as SYNTAX.
func (e *Extractor) FromCompileErrors(errs []checks.CompileError) []pipeline.Failure {
	found := make([]pipeline.Failure, 0, len(errs))
	for _, ce := range errs {
		bug, ok := e.classifier.Classify(ce.Message)
		if !ok {
			bug = pipeline.BugSyntax
		}
		found = append(found, pipeline.Failure{
			File:    ce.File,
			Line:    ce.Line,
			BugType: bug,
			Snippet: ce.Message,
		})
	}
	return Dedup(found)
}

func (e *Extractor) failure(file string, line int, block, repoRoot string) (pipeline.Failure, bool) {
	bug, ok := e.classifier.Classify(block)
	if !ok {
		return pipeline.Failure{}, false
	}
	if repoRoot != "" {
		file = ToRepoRelative(file, repoRoot)
	}
	return pipeline.Failure{File: file, Line: line, BugType: bug, Snippet: block}, true
}

// Dedup keeps the first failure for each (file, line) pair.
func Dedup(failures []pipeline.Failure) []pipeline.Failure {
	type key struct {
		file string
		line int
	}
	seen := make(map[key]bool, len(failures))
	out := make([]pipeline.Failure, 0, len(failures))
	for _, f := range failures {
		k := key{f.File, f.Line}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, f)
	}
	return out
}

// window joins lines[lo:hi] with spaces, clamping both ends.
func window(lines []string, lo, hi int) string {
	if lo < 0 {
		lo = 0
	}
	if hi > len(lines) {
		hi = len(lines)
	}
	return strings.Join(lines[lo:hi], " ")
}
