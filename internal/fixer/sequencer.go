// Package fixer orders failures and applies rule fixes one at a time.
package fixer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/lucasnoah/cihealer/internal/pipeline"
	"github.com/lucasnoah/cihealer/internal/rules"
)

// DescriptionApplied is the placeholder description the reviewer later rewrites.
const DescriptionApplied = "applied"

// ErrFileNotFound marks a failure whose file is absent from the checkout.
var ErrFileNotFound = errors.New("file not found in checkout")

// RuleApplier applies one fix; a nil error means the file was changed.
type RuleApplier interface {
	Apply(ctx context.Context, repoRoot string, f pipeline.Failure) error
}

// Skip records a failure that produced no fix and why.
type Skip struct {
	Failure pipeline.Failure
	Reason  error
}

// Result is the outcome of one sequencing pass.
type Result struct {
	Fixes   []pipeline.Fix
	Skipped []Skip
}

// Sequencer applies fixes in an order that keeps line numbers valid.
type Sequencer struct {
	rules    RuleApplier
	logger   *zap.Logger
	progress io.Writer
}

// SequencerOption configures a Sequencer.
type SequencerOption func(*Sequencer)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) SequencerOption {
	return func(s *Sequencer) { s.logger = l }
}

// WithProgress sets a writer for human-readable progress lines.
func WithProgress(w io.Writer) SequencerOption {
	return func(s *Sequencer) { s.progress = w }
}

// NewSequencer creates a Sequencer around rules.
func NewSequencer(rules RuleApplier, opts ...SequencerOption) *Sequencer {
	s := &Sequencer{rules: rules, logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sequencer) logf(format string, args ...any) {
	if s.progress != nil {
		fmt.Fprintf(s.progress, format+"\n", args...)
	}
}

// Order returns the known-type failures sorted by file ascending and, within
// a file, by line descending. Deleting a line never shifts a line that is
// still waiting to be fixed. Failures without a line sort last in their file.
func Order(failures []pipeline.Failure) []pipeline.Failure {
	known := make([]pipeline.Failure, 0, len(failures))
	for _, f := range failures {
		if f.BugType.Known() {
			known = append(known, f)
		}
	}
	sort.SliceStable(known, func(i, j int) bool {
		if known[i].File != known[j].File {
			return known[i].File < known[j].File
		}
		return known[i].Line > known[j].Line
	})
	return known
}

// Apply runs each ordered failure through the rule engine. Failures in
// missing files are skipped without invoking a rule.
func (s *Sequencer) Apply(ctx context.Context, repoRoot string, failures []pipeline.Failure) Result {
	res := Result{Fixes: []pipeline.Fix{}}

	for _, f := range Order(failures) {
		path, err := rules.InRepo(repoRoot, f.File)
		if err != nil {
			res.Skipped = append(res.Skipped, Skip{Failure: f, Reason: err})
			s.logger.Warn("skip path outside repository", zap.String("file", f.File))
			continue
		}
		if _, err := os.Stat(path); err != nil {
			res.Skipped = append(res.Skipped, Skip{Failure: f, Reason: ErrFileNotFound})
			s.logger.Debug("skip missing file", zap.String("file", f.File))
			continue
		}

		if err := s.rules.Apply(ctx, repoRoot, f); err != nil {
			res.Skipped = append(res.Skipped, Skip{Failure: f, Reason: err})
			s.logger.Info("rule not applied",
				zap.String("file", f.File),
				zap.Int("line", f.Line),
				zap.String("bug_type", string(f.BugType)),
				zap.Error(err))
			s.logf("  ✗ %s %s:%d: %v", f.BugType, f.File, f.Line, err)
			continue
		}

		res.Fixes = append(res.Fixes, pipeline.Fix{
			File:        f.File,
			Line:        f.Line,
			BugType:     f.BugType,
			Description: DescriptionApplied,
		})
		s.logger.Info("rule applied",
			zap.String("file", f.File),
			zap.Int("line", f.Line),
			zap.String("bug_type", string(f.BugType)))
		s.logf("  ✓ %s %s:%d", f.BugType, f.File, f.Line)
	}

	return res
}
