package github

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupClone builds a bare origin with one commit and returns a clone of it
// checked out on a fix branch.
func setupClone(t *testing.T) (clone, origin string) {
	t.Helper()
	src := t.TempDir()
	repo, err := git.PlainInit(src, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src, "app.py"), []byte("import os\nx = 1\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("app.py")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "t", Email: "t@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	origin = filepath.Join(t.TempDir(), "origin.git")
	_, err = git.PlainClone(origin, true, &git.CloneOptions{URL: src})
	require.NoError(t, err)

	clone = filepath.Join(t.TempDir(), "work")
	cr, err := git.PlainClone(clone, false, &git.CloneOptions{URL: origin})
	require.NoError(t, err)
	cwt, err := cr.Worktree()
	require.NoError(t, err)
	require.NoError(t, cwt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName("TEAM_LEAD_AI_Fix"), Create: true}))
	return clone, origin
}

func TestIsProtectedBranch(t *testing.T) {
	for _, b := range []string{"main", "Main", "MASTER", " master "} {
		assert.True(t, IsProtectedBranch(b), b)
	}
	for _, b := range []string{"mainline", "TEAM_LEAD_AI_Fix", ""} {
		assert.False(t, IsProtectedBranch(b), b)
	}
}

func TestEnsurePrefix(t *testing.T) {
	assert.Equal(t, "[AI-AGENT] Fix x", EnsurePrefix("Fix x"))
	assert.Equal(t, "[AI-AGENT] Fix x", EnsurePrefix("  [AI-AGENT] Fix x  "))
}

func TestCommitFile_CommitsOnlyThatFile(t *testing.T) {
	clone, _ := setupClone(t)
	require.NoError(t, os.WriteFile(filepath.Join(clone, "app.py"), []byte("x = 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(clone, "other.py"), []byte("y = 2\n"), 0o644))

	c := NewCommitter(Signature{Name: "bot", Email: "bot@example.com"}, "", "", nil)
	sha, err := c.CommitFile(context.Background(), clone, "app.py", "Fix LINTING error in app.py line 1")
	require.NoError(t, err)
	require.NotEmpty(t, sha)

	repo, err := git.PlainOpen(clone)
	require.NoError(t, err)
	commit, err := repo.CommitObject(plumbing.NewHash(sha))
	require.NoError(t, err)
	assert.Equal(t, "[AI-AGENT] Fix LINTING error in app.py line 1", commit.Message)
	assert.Equal(t, "bot", commit.Author.Name)

	tree, err := commit.Tree()
	require.NoError(t, err)
	_, err = tree.File("other.py")
	assert.Error(t, err, "untracked files must not be swept into the commit")
}

func TestCommitFile_NothingToCommit(t *testing.T) {
	clone, _ := setupClone(t)
	c := NewCommitter(Signature{}, "", "", nil)

	sha, err := c.CommitFile(context.Background(), clone, "app.py", "Fix")
	require.NoError(t, err)
	assert.Empty(t, sha)

	sha, err = c.CommitFile(context.Background(), clone, "missing.py", "Fix")
	require.NoError(t, err)
	assert.Empty(t, sha)
}

func TestPush_ToOrigin(t *testing.T) {
	clone, origin := setupClone(t)
	require.NoError(t, os.WriteFile(filepath.Join(clone, "app.py"), []byte("x = 1\n"), 0o644))

	c := NewCommitter(Signature{}, "", "", nil)
	sha, err := c.CommitFile(context.Background(), clone, "app.py", "Fix")
	require.NoError(t, err)
	require.NoError(t, c.Push(context.Background(), clone, "TEAM_LEAD_AI_Fix"))

	bare, err := git.PlainOpen(origin)
	require.NoError(t, err)
	ref, err := bare.Reference(plumbing.NewBranchReferenceName("TEAM_LEAD_AI_Fix"), true)
	require.NoError(t, err)
	assert.Equal(t, sha, ref.Hash().String())

	// Second push with nothing new is not an error.
	require.NoError(t, c.Push(context.Background(), clone, "TEAM_LEAD_AI_Fix"))
}

func TestPush_RefusesProtected(t *testing.T) {
	c := NewCommitter(Signature{}, "", "", nil)
	for _, b := range []string{"main", "Master"} {
		err := c.Push(context.Background(), t.TempDir(), b)
		assert.True(t, errors.Is(err, ErrProtectedBranch), b)
	}
	assert.Error(t, c.Push(context.Background(), t.TempDir(), "-delete"))
}

func TestPush_RedactsToken(t *testing.T) {
	clone, _ := setupClone(t)
	c := NewCommitter(Signature{}, "nowhere", "s3cr3t", nil)
	err := c.Push(context.Background(), clone, "TEAM_LEAD_AI_Fix")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "s3cr3t")
}
