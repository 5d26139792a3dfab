package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/cihealer/internal/analyzer"
	"github.com/lucasnoah/cihealer/internal/checks"
	"github.com/lucasnoah/cihealer/internal/config"
	"github.com/lucasnoah/cihealer/internal/db"
	"github.com/lucasnoah/cihealer/internal/fixer"
	"github.com/lucasnoah/cihealer/internal/github"
	"github.com/lucasnoah/cihealer/internal/pipeline"
	"github.com/lucasnoah/cihealer/internal/report"
	"github.com/lucasnoah/cihealer/internal/rules"
	"github.com/lucasnoah/cihealer/internal/worktree"
)

// ErrCheckoutBusy is returned when a run is already healing the same checkout.
var ErrCheckoutBusy = errors.New("a run is already in progress for this checkout")

// ServiceConfig wires a Service. Store, DB and Progress are optional; a nil
// Command uses checks.ExecRunner.
type ServiceConfig struct {
	Config   config.Healer
	Store    *pipeline.Store
	DB       *db.DB
	Command  checks.CommandRunner
	Logger   *zap.Logger
	Progress io.Writer
}

// Service runs complete healing jobs: acquire a checkout, drive the loop,
// build the report, persist it, and clean up.
type Service struct {
	cfg        config.Healer
	store      *pipeline.Store
	db         *db.DB
	cmd        checks.CommandRunner
	workspaces *worktree.Manager
	logger     *zap.Logger
	progress   io.Writer
	now        func() time.Time

	mu   sync.Mutex
	busy map[string]struct{}
}

// NewService creates a Service.
func NewService(sc ServiceConfig) *Service {
	logger := sc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cmd := sc.Command
	if cmd == nil {
		cmd = &checks.ExecRunner{}
	}
	return &Service{
		cfg:        sc.Config,
		store:      sc.Store,
		db:         sc.DB,
		cmd:        cmd,
		workspaces: worktree.NewManager(sc.Config.Run.WorkDir, logger),
		logger:     logger.Named("service"),
		progress:   sc.Progress,
		now:        time.Now,
		busy:       make(map[string]struct{}),
	}
}

// LocalOpts describes a run against an existing checkout.
type LocalOpts struct {
	Path       string
	Branch     string // empty stays on the current branch
	RetryLimit int
}

// Heal clones req.RepoURL, heals it on the team's fix branch and returns the
// results document. It never returns an empty response: acquisition and
// loop errors are reported in the response's Error field.
func (s *Service) Heal(ctx context.Context, req report.RunRequest) report.RunResponse {
	return s.HealAs(ctx, uuid.NewString(), req)
}

// HealAs is Heal with a caller-chosen run ID, so callers can follow the run's
// stored state while it is in progress.
func (s *Service) HealAs(ctx context.Context, runID string, req report.RunRequest) report.RunResponse {
	start := s.now()
	branch := worktree.BranchName(req.TeamName, req.TeamLeaderName)
	limit := s.retryLimit(req.RetryLimit)
	token := strings.TrimSpace(req.GithubToken)
	if token == "" {
		token = s.cfg.Git.Token
	}
	log := s.logger.With(zap.String("run_id", runID))

	ws, err := s.workspaces.Acquire(ctx, worktree.AcquireOpts{
		URL:    req.RepoURL,
		Team:   req.TeamName,
		Leader: req.TeamLeaderName,
		Token:  token,
	})
	if err != nil {
		log.Warn("acquire failed", zap.Error(err))
		resp := report.Failed(req, branch, limit, s.now().Sub(start), err)
		resp.RunID = runID
		s.finish(runID, pipeline.RunFailed, resp)
		return resp
	}
	defer func() {
		if err := s.workspaces.Remove(ws); err != nil {
			log.Warn("cleanup failed", zap.Error(err))
		}
	}()

	return s.run(ctx, runID, req, ws, limit, token, start)
}

// HealLocal heals an existing checkout in place. The checkout is never
// removed and concurrent runs on the same path are refused.
func (s *Service) HealLocal(ctx context.Context, opts LocalOpts) (report.RunResponse, error) {
	path, err := filepath.Abs(opts.Path)
	if err != nil {
		return report.RunResponse{}, fmt.Errorf("resolve %s: %w", opts.Path, err)
	}
	release, err := s.claim(path)
	if err != nil {
		return report.RunResponse{}, err
	}
	defer release()

	ws, err := s.workspaces.Open(path, opts.Branch)
	if err != nil {
		return report.RunResponse{}, err
	}
	req := report.RunRequest{RepoURL: path}
	return s.run(ctx, uuid.NewString(), req, ws, s.retryLimit(opts.RetryLimit), s.cfg.Git.Token, s.now()), nil
}

func (s *Service) run(ctx context.Context, runID string, req report.RunRequest, ws *worktree.Workspace, limit int, token string, start time.Time) report.RunResponse {
	o := s.newOrchestrator(token)
	ps, err := o.Run(ctx, RunOpts{RunID: runID, RepoPath: ws.Path, Branch: ws.Branch, RetryLimit: limit})
	elapsed := s.now().Sub(start)
	if ps == nil {
		resp := report.Failed(req, ws.Branch, limit, elapsed, err)
		resp.RunID = runID
		s.finish(runID, pipeline.RunFailed, resp)
		return resp
	}

	resp := report.Build(report.BuildInput{Request: req, Branch: ws.Branch, State: ps, Elapsed: elapsed})
	status := ps.Status
	if err != nil {
		msg := worktree.RedactToken(err.Error(), token)
		if resp.Error != "" {
			msg = resp.Error + "; " + msg
		}
		resp.Error = msg
		if status == pipeline.RunRunning {
			status = pipeline.RunFailed
		}
	}
	resp.Error = worktree.RedactToken(resp.Error, token)
	s.finish(runID, status, resp)
	return resp
}

// newOrchestrator assembles the production collaborators for one run.
func (s *Service) newOrchestrator(token string) *Orchestrator {
	run := s.cfg.Run
	installer := checks.NewPipInstaller(s.cmd, run.Python, run.InstallTimeoutDuration())
	seq := fixer.NewSequencer(rules.NewEngine(installer), fixer.WithLogger(s.logger), fixer.WithProgress(s.progress))
	committer := github.NewCommitter(github.Signature{Name: s.cfg.Git.AuthorName, Email: s.cfg.Git.AuthorEmail},
		s.cfg.Git.Remote, token, s.logger)

	opts := []Option{WithLogger(s.logger), WithProgress(s.progress), WithRetryLimit(run.RetryLimit)}
	if s.cfg.Git.DisablePush {
		opts = append(opts, WithoutPush())
	}
	return New(Deps{
		Tests:     checks.NewPythonTestRunner(s.cmd, run.Python, run.TestCommand, run.TestTimeoutDuration()),
		Compiler:  checks.NewPyCompileChecker(s.cmd, run.Python, run.CompileTimeoutDuration(), run.SkipDirs),
		Extractor: analyzer.NewExtractor(analyzer.NewClassifier(s.cfg.PatternTable())),
		Fixer:     seq,
		Committer: committer,
		Store:     s.store,
	}, opts...)
}

// finish writes results.json and records history. Both are best effort.
func (s *Service) finish(runID string, status pipeline.RunStatus, resp report.RunResponse) {
	var paths []string
	if s.store != nil {
		paths = append(paths, s.store.ResultsPath(runID))
	}
	if s.cfg.Server.ResultsPath != "" {
		paths = append(paths, s.cfg.Server.ResultsPath)
	}
	for _, p := range paths {
		if err := report.WriteResults(p, resp); err != nil {
			s.logger.Warn("results not written", zap.String("path", p), zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.RecordRun(resp.Record(runID, status)); err != nil {
			s.logger.Warn("run not recorded", zap.String("run_id", runID), zap.Error(err))
		}
	}
}

func (s *Service) retryLimit(n int) int {
	if n > 0 {
		return n
	}
	if s.cfg.Run.RetryLimit > 0 {
		return s.cfg.Run.RetryLimit
	}
	return DefaultRetryLimit
}

func (s *Service) claim(path string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.busy[path]; ok {
		return nil, fmt.Errorf("%s: %w", path, ErrCheckoutBusy)
	}
	s.busy[path] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.busy, path)
		s.mu.Unlock()
	}, nil
}
