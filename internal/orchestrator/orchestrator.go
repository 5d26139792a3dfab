// Package orchestrator runs the bounded analyze, fix, review and commit loop
// against one checkout until the tests pass or the retry limit is reached.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/cihealer/internal/analyzer"
	"github.com/lucasnoah/cihealer/internal/checks"
	"github.com/lucasnoah/cihealer/internal/fixer"
	"github.com/lucasnoah/cihealer/internal/github"
	"github.com/lucasnoah/cihealer/internal/pipeline"
	"github.com/lucasnoah/cihealer/internal/report"
	"github.com/lucasnoah/cihealer/internal/review"
)

// DefaultRetryLimit applies when neither the caller nor the config sets one.
const DefaultRetryLimit = 5

// TestRunner runs the project's test suite.
type TestRunner interface {
	RunTests(ctx context.Context, root string) (*checks.Result, error)
}

// CompileChecker byte-compiles the checkout.
type CompileChecker interface {
	Check(ctx context.Context, root string) (*checks.CompileReport, error)
}

// Committer commits single files and pushes the working branch. An empty
// sha from CommitFile means there was nothing to commit.
type Committer interface {
	CommitFile(ctx context.Context, root, file, message string) (string, error)
	Push(ctx context.Context, root, branch string) error
}

// Fixer applies rule fixes for a set of failures.
type Fixer interface {
	Apply(ctx context.Context, root string, failures []pipeline.Failure) fixer.Result
}

// Deps are the collaborators a run needs. Committer and Store may be nil.
type Deps struct {
	Tests     TestRunner
	Compiler  CompileChecker
	Extractor *analyzer.Extractor
	Fixer     Fixer
	Committer Committer
	Store     *pipeline.Store
}

// Orchestrator composes the healing loop.
type Orchestrator struct {
	deps       Deps
	retryLimit int
	push       bool
	logger     *zap.Logger
	progress   io.Writer
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l.Named("orchestrator") }
}

// WithProgress sets a writer for live progress output (e.g. os.Stderr).
func WithProgress(w io.Writer) Option {
	return func(o *Orchestrator) { o.progress = w }
}

// WithRetryLimit sets the limit used when RunOpts leaves it unset.
func WithRetryLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.retryLimit = n
		}
	}
}

// WithoutPush commits fixes locally and never pushes.
func WithoutPush() Option {
	return func(o *Orchestrator) { o.push = false }
}

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:       deps,
		retryLimit: DefaultRetryLimit,
		push:       true,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// logf prints a progress line if a progress writer is configured.
func (o *Orchestrator) logf(format string, args ...any) {
	if o.progress != nil {
		fmt.Fprintf(o.progress, "  → "+format+"\n", args...)
	}
}

// RunOpts configures a healing run.
type RunOpts struct {
	RunID      string // generated when empty
	RepoPath   string
	Branch     string
	RetryLimit int // <= 0 uses the configured limit
}

// Run drives the loop to PASSED or EXHAUSTED. Failures are recomputed from
// the live checkout each iteration; fixes, commits, push errors and the
// timeline accumulate. Only cancellation of ctx or a store failure returns
// an error, together with the state reached so far.
func (o *Orchestrator) Run(ctx context.Context, opts RunOpts) (*pipeline.PipelineState, error) {
	if opts.RepoPath == "" {
		return nil, fmt.Errorf("repo path is required")
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	limit := opts.RetryLimit
	if limit <= 0 {
		limit = o.retryLimit
	}

	start := o.now()
	ps := pipeline.NewState(runID, opts.RepoPath, opts.Branch, limit)
	log := o.logger.With(zap.String("run_id", runID))
	log.Info("run started", zap.String("repo", opts.RepoPath), zap.String("branch", opts.Branch), zap.Int("retry_limit", limit))
	o.logf("run %s: healing %s (limit %d)", runID, opts.RepoPath, limit)
	if err := o.save(ps); err != nil {
		return ps, err
	}

	for iteration := 1; iteration <= limit; iteration++ {
		if err := ctx.Err(); err != nil {
			return ps, fmt.Errorf("iteration %d: %w", iteration, err)
		}
		ps.Iteration = iteration
		o.logf("iteration %d/%d", iteration, limit)

		passed, source, err := o.analyze(ctx, ps)
		if err != nil {
			return ps, fmt.Errorf("iteration %d: %w", iteration, err)
		}

		res := o.deps.Fixer.Apply(ctx, ps.RepoPath, ps.Failures)
		for i := range res.Fixes {
			res.Fixes[i].Iteration = iteration
		}
		for _, f := range res.Fixes {
			fixesTotal.WithLabelValues(string(f.BugType), "applied").Inc()
		}
		for _, s := range res.Skipped {
			fixesTotal.WithLabelValues(string(s.Failure.BugType), "skipped").Inc()
		}

		firstNew := len(ps.Fixes)
		ps.Fixes = review.Review(append(ps.Fixes, res.Fixes...))
		o.commit(ctx, ps, ps.Fixes[firstNew:], log)

		status := pipeline.CIFailed
		if passed {
			status = pipeline.CIPassed
		}
		ps.Timeline = append(ps.Timeline, pipeline.TimelineEntry{
			Iteration: iteration,
			Status:    status,
			Timestamp: o.now().UTC().Format(time.RFC3339),
		})
		iterationsTotal.WithLabelValues(string(status), source).Inc()
		log.Info("iteration finished",
			zap.Int("iteration", iteration),
			zap.String("status", string(status)),
			zap.Int("failures", len(ps.Failures)),
			zap.Int("new_fixes", len(res.Fixes)),
			zap.Int("skipped", len(res.Skipped)))
		o.logf("iteration %d %s: %d failures, %d fixes applied", iteration, status, len(ps.Failures), len(res.Fixes))

		if passed {
			ps.Status = pipeline.RunPassed
		}
		if err := o.save(ps); err != nil {
			return ps, err
		}
		if passed {
			break
		}
	}

	if ps.Status != pipeline.RunPassed {
		ps.Status = pipeline.RunExhausted
		if err := o.save(ps); err != nil {
			return ps, err
		}
	}

	elapsed := o.now().Sub(start)
	runsTotal.WithLabelValues(string(ps.Status)).Inc()
	runDuration.WithLabelValues(string(ps.Status)).Observe(elapsed.Seconds())
	log.Info("run finished",
		zap.String("status", string(ps.Status)),
		zap.Int("iterations", len(ps.Timeline)),
		zap.Int("fixes", len(ps.Fixes)),
		zap.Int("commits", len(ps.Commits)),
		zap.Duration("elapsed", elapsed))
	o.logf("run %s finished %s after %d iteration(s)", runID, ps.Status, len(ps.Timeline))
	return ps, nil
}

// analyze runs the compile check and, when it is clean, the tests. It sets
// the iteration's failures and reports whether the iteration passed.
// Collaborator errors count as a failed iteration unless ctx is done.
func (o *Orchestrator) analyze(ctx context.Context, ps *pipeline.PipelineState) (bool, string, error) {
	ps.Failures = []pipeline.Failure{}

	if o.deps.Compiler != nil {
		rep, err := o.deps.Compiler.Check(ctx, ps.RepoPath)
		switch {
		case err != nil && ctx.Err() != nil:
			return false, "compile", ctx.Err()
		case err != nil:
			o.logger.Warn("compile check failed", zap.Error(err))
			o.logf("compile check error: %v", err)
		case rep.Failed():
			ps.Failures = o.deps.Extractor.FromCompileErrors(rep.Errors)
			ps.LastExitCode = rep.ExitCode
			ps.TestOutput = rep.Output
			o.logf("compile failed in %d file(s); tests skipped", len(rep.Errors))
			o.saveOutput(ps)
			return false, "compile", nil
		}
	}

	res, err := o.deps.Tests.RunTests(ctx, ps.RepoPath)
	if err != nil {
		if ctx.Err() != nil {
			return false, "tests", ctx.Err()
		}
		o.logger.Warn("test run failed", zap.Error(err))
		o.logf("test run error: %v", err)
		ps.LastExitCode = -1
		ps.TestOutput = err.Error()
		return false, "tests", nil
	}

	ps.LastExitCode = res.ExitCode
	ps.TestOutput = res.Output()
	o.saveOutput(ps)
	if res.TimedOut {
		o.logf("tests timed out: %s", res.Summary)
	} else if res.Summary != "" {
		o.logf("tests: %s", res.Summary)
	}
	ps.Failures = o.deps.Extractor.Extract(ps.TestOutput, ps.RepoPath)
	return res.Passed, "tests", nil
}

// commit commits and pushes each new fix on its own. Protected or empty
// branches skip the stage entirely. Push errors are collected, never fatal.
func (o *Orchestrator) commit(ctx context.Context, ps *pipeline.PipelineState, fixes []pipeline.Fix, log *zap.Logger) {
	if o.deps.Committer == nil || len(fixes) == 0 || ps.Branch == "" {
		return
	}
	if github.IsProtectedBranch(ps.Branch) {
		log.Warn("protected branch, skipping commits", zap.String("branch", ps.Branch))
		o.logf("branch %s is protected; not committing", ps.Branch)
		return
	}

	for _, f := range fixes {
		msg := report.CommitMessage(f, "0")
		sha, err := o.deps.Committer.CommitFile(ctx, ps.RepoPath, f.File, msg)
		if err != nil {
			commitsTotal.WithLabelValues("commit_failed").Inc()
			log.Warn("commit failed", zap.String("file", f.File), zap.Error(err))
			continue
		}
		if sha == "" {
			commitsTotal.WithLabelValues("nothing_to_commit").Inc()
			continue
		}

		outcome := "committed"
		if o.push {
			outcome = "pushed"
			if err := o.deps.Committer.Push(ctx, ps.RepoPath, ps.Branch); err != nil {
				commitsTotal.WithLabelValues("push_failed").Inc()
				ps.PushErrors = append(ps.PushErrors, fmt.Sprintf("Push failed for %s: %v", f.File, err))
				log.Warn("push failed", zap.String("file", f.File), zap.Error(err))
				o.logf("push failed for %s", f.File)
				continue
			}
		}

		commitsTotal.WithLabelValues(outcome).Inc()
		ps.Commits = append(ps.Commits, pipeline.Commit{
			Message:   msg,
			SHA:       sha,
			File:      f.File,
			BugType:   f.BugType,
			Line:      f.Line,
			Iteration: f.Iteration,
		})
		o.logf("committed %s (%s)", f.File, shortSHA(sha))
	}
}

func (o *Orchestrator) save(ps *pipeline.PipelineState) error {
	if o.deps.Store == nil {
		return nil
	}
	if err := o.deps.Store.Save(ps); err != nil {
		return fmt.Errorf("save run state: %w", err)
	}
	return nil
}

// saveOutput keeps the raw iteration output next to the state; failures
// only cost the log line.
func (o *Orchestrator) saveOutput(ps *pipeline.PipelineState) {
	if o.deps.Store == nil {
		return
	}
	if err := o.deps.Store.SaveIterationOutput(ps.RunID, ps.Iteration, ps.TestOutput); err != nil {
		o.logger.Warn("save iteration output", zap.Error(err))
	}
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
