// Package github commits individual fixes and pushes the fix branch.
package github

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"
)

// CommitPrefix marks every commit the healer makes.
const CommitPrefix = "[AI-AGENT]"

// ErrProtectedBranch is returned for any attempt to push main or master.
var ErrProtectedBranch = errors.New("refusing to push a protected branch")

// IsProtectedBranch reports whether branch is main or master, ignoring case.
func IsProtectedBranch(branch string) bool {
	switch strings.ToLower(strings.TrimSpace(branch)) {
	case "main", "master":
		return true
	}
	return false
}

// EnsurePrefix trims message and prepends CommitPrefix when missing.
func EnsurePrefix(message string) string {
	m := strings.TrimSpace(message)
	if strings.HasPrefix(m, CommitPrefix) {
		return m
	}
	return CommitPrefix + " " + m
}

// Signature identifies the commit author.
type Signature struct {
	Name  string
	Email string
}

// Committer stages and commits single files and pushes branches with go-git.
type Committer struct {
	author Signature
	remote string
	token  string
	logger *zap.Logger
	now    func() time.Time
}

// NewCommitter creates a Committer pushing to remote (default "origin").
// A non-empty token is sent as HTTP basic auth on push.
func NewCommitter(author Signature, remote, token string, logger *zap.Logger) *Committer {
	if remote == "" {
		remote = "origin"
	}
	if author.Name == "" {
		author.Name = "ci-healer"
	}
	if author.Email == "" {
		author.Email = "ci-healer@users.noreply.github.com"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Committer{author: author, remote: remote, token: token, logger: logger.Named("git"), now: time.Now}
}

// CommitFile stages file and commits it alone. It returns an empty sha, and no
// error, when the file is missing or identical to HEAD.
func (c *Committer) CommitFile(ctx context.Context, root, file, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(file))); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("stat %s: %w", file, err)
	}

	repo, err := git.PlainOpen(root)
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}

	if _, err := wt.Add(file); err != nil {
		return "", fmt.Errorf("add %s: %w", file, err)
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	if fs, ok := status[file]; !ok || fs.Staging == git.Unmodified {
		c.logger.Debug("nothing to commit", zap.String("file", file))
		return "", nil
	}

	hash, err := wt.Commit(EnsurePrefix(message), &git.CommitOptions{
		Author: &object.Signature{Name: c.author.Name, Email: c.author.Email, When: c.now()},
	})
	if err != nil {
		return "", fmt.Errorf("commit %s: %w", file, err)
	}
	c.logger.Info("committed fix", zap.String("file", file), zap.String("sha", hash.String()))
	return hash.String(), nil
}

// Push pushes branch to the configured remote.
func (c *Committer) Push(ctx context.Context, root, branch string) error {
	if IsProtectedBranch(branch) {
		return fmt.Errorf("%s: %w", branch, ErrProtectedBranch)
	}
	if branch == "" || strings.HasPrefix(branch, "-") {
		return fmt.Errorf("invalid branch name %q", branch)
	}

	repo, err := git.PlainOpen(root)
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}

	ref := plumbing.NewBranchReferenceName(branch)
	opts := &git.PushOptions{
		RemoteName: c.remote,
		RefSpecs:   []config.RefSpec{config.RefSpec(ref + ":" + ref)},
	}
	if c.token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: c.token}
	}

	err = repo.PushContext(ctx, opts)
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		msg := err.Error()
		if c.token != "" {
			msg = strings.ReplaceAll(msg, c.token, "***")
		}
		return fmt.Errorf("push %s: %s", branch, msg)
	}
	c.logger.Info("pushed branch", zap.String("branch", branch), zap.String("remote", c.remote))
	return nil
}
