// Package worktree acquires a private checkout of a repository and the
// working branch fixes are committed to.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager clones repositories into private temp directories.
type Manager struct {
	baseDir string // parent for clones; os.TempDir() when empty
	logger  *zap.Logger
}

// NewManager creates a Manager. A nil logger disables logging.
func NewManager(baseDir string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{baseDir: baseDir, logger: logger.Named("worktree")}
}

// AcquireOpts describes the repository and team a run is for.
type AcquireOpts struct {
	URL    string
	Team   string
	Leader string
	Token  string // optional; injected into github.com URLs
}

// Workspace is an exclusive checkout owned by one run.
type Workspace struct {
	Path    string
	Branch  string
	Base    string // branch the fix branch was cut from
	cleanup bool
}

// Acquire clones opts.URL into a fresh directory and checks out a new fix
// branch from the default branch.
func (m *Manager) Acquire(ctx context.Context, opts AcquireOpts) (*Workspace, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("acquire: empty repository url")
	}
	branch := BranchName(opts.Team, opts.Leader)
	if branch == "" {
		return nil, fmt.Errorf("acquire: team and leader produce an empty branch name")
	}

	base := m.baseDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "repo_"+strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	cloneURL := opts.URL
	if opts.Token != "" {
		cloneURL = InjectToken(opts.URL, opts.Token)
	}

	m.logger.Info("cloning repository", zap.String("url", opts.URL), zap.String("dir", dir))
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: cloneURL})
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("clone %s: %s", opts.URL, RedactToken(err.Error(), opts.Token))
	}

	baseBranch, err := checkoutNew(repo, branch)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	m.logger.Info("fix branch ready", zap.String("branch", branch), zap.String("base", baseBranch))
	return &Workspace{Path: dir, Branch: branch, Base: baseBranch, cleanup: true}, nil
}

// Open prepares an existing local checkout, switching to branch (created
// from HEAD if needed). An empty branch stays on the current one. Local
// changes are kept. The checkout is never removed.
func (m *Manager) Open(path, branch string) (*Workspace, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if strings.TrimSpace(branch) == "" {
		head, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("resolve HEAD: %w", err)
		}
		current := head.Name().Short()
		return &Workspace{Path: path, Branch: current, Base: current}, nil
	}
	branch = sanitizeBranch(branch)
	if branch == "" {
		return nil, fmt.Errorf("open %s: invalid branch name", path)
	}
	baseBranch, err := checkoutNew(repo, branch)
	if err != nil {
		return nil, err
	}
	return &Workspace{Path: path, Branch: branch, Base: baseBranch}, nil
}

// Remove deletes a cloned workspace. Opened local checkouts are left alone.
func (m *Manager) Remove(ws *Workspace) error {
	if ws == nil || !ws.cleanup {
		return nil
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		return fmt.Errorf("remove workspace %s: %w", ws.Path, err)
	}
	m.logger.Debug("workspace removed", zap.String("dir", ws.Path))
	return nil
}

// checkoutNew switches the worktree to branch, creating it from HEAD when it
// does not exist yet. It returns the short name of the branch HEAD was on.
func checkoutNew(repo *git.Repository, branch string) (string, error) {
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	baseBranch := head.Name().Short()

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}

	ref := plumbing.NewBranchReferenceName(branch)
	if head.Name() == ref {
		return baseBranch, nil
	}

	_, err = repo.Reference(ref, true)
	switch {
	case err == nil:
		err = wt.Checkout(&git.CheckoutOptions{Branch: ref, Keep: true})
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		err = wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: true, Hash: head.Hash(), Keep: true})
	}
	if err != nil {
		return "", fmt.Errorf("checkout %s: %w", branch, err)
	}
	return baseBranch, nil
}

// BranchName builds the fix branch: TEAM_LEADER_AI_Fix, upper-cased with
// spaces replaced by underscores.
func BranchName(team, leader string) string {
	t := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(team)), " ", "_")
	l := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(leader)), " ", "_")
	if t == "" && l == "" {
		return ""
	}
	return sanitizeBranch(t + "_" + l + "_AI_Fix")
}

var githubURLRe = regexp.MustCompile(`(?i)^(https?://)([^@/]*@)?(github\.com/.*)$`)

// InjectToken rewrites https://github.com/... to https://<token>@github.com/...
// replacing any existing credentials. Other URLs are returned unchanged.
func InjectToken(url, token string) string {
	if url == "" || token == "" {
		return url
	}
	m := githubURLRe.FindStringSubmatch(url)
	if m == nil {
		return url
	}
	return m[1] + token + "@" + m[3]
}

// RedactToken removes token from s so it never reaches logs or reports.
func RedactToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)

// sanitizeBranch cleans up a branch name.
func sanitizeBranch(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
