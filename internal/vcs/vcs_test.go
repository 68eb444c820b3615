// File: internal/vcs/vcs_test.go
package vcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vigilhq/vigil/internal/config"
)

// initTestRepo creates a real repository with one commit on master.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("app\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func openTestRepo(t *testing.T, dir string) *Repo {
	t.Helper()
	r, err := Open(zaptest.NewLogger(t), config.TargetConfig{
		ProjectRoot: dir,
		Trunk:       "master",
		Remote:      "origin",
	}, config.FixerConfig{
		AuthorName:  "vigil-bot",
		AuthorEmail: "bot@vigil.dev",
	})
	require.NoError(t, err)
	return r
}

func TestOpenMissingRepo(t *testing.T) {
	t.Parallel()
	_, err := Open(zaptest.NewLogger(t), config.TargetConfig{ProjectRoot: t.TempDir()}, config.FixerConfig{})
	assert.Error(t, err)
}

func TestCreateBranchAndCommit(t *testing.T) {
	t.Parallel()
	dir := initTestRepo(t)
	r := openTestRepo(t, dir)
	ctx := context.Background()

	require.NoError(t, r.CreateBranch(ctx, "vigil/fix-abc123"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "src.js"), []byte("fixed\n"), 0o644))
	hash, err := r.CommitAll(ctx, "Fix null dereference on /users")
	require.NoError(t, err)
	assert.Len(t, hash, 40)

	// Worktree is clean after the commit.
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	status, err := wt.Status()
	require.NoError(t, err)
	assert.True(t, status.IsClean())
}

func TestCreateBranchRefusesDirtyWorktree(t *testing.T) {
	t.Parallel()
	dir := initTestRepo(t)
	r := openTestRepo(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "dirty.txt"), []byte("x"), 0o644))
	err := r.CreateBranch(context.Background(), "vigil/fix-dirty")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dirty")
}

func TestCheckoutTrunkDiscardsBranchChanges(t *testing.T) {
	t.Parallel()
	dir := initTestRepo(t)
	r := openTestRepo(t, dir)
	ctx := context.Background()

	require.NoError(t, r.CreateBranch(ctx, "vigil/fix-xyz"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "only-on-branch.js"), []byte("x"), 0o644))
	_, err := r.CommitAll(ctx, "branch-only change")
	require.NoError(t, err)

	require.NoError(t, r.CheckoutTrunk(ctx))
	_, statErr := os.Stat(filepath.Join(dir, "only-on-branch.js"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestMergeToTrunkFastForward(t *testing.T) {
	t.Parallel()
	dir := initTestRepo(t)
	r := openTestRepo(t, dir)
	ctx := context.Background()

	require.NoError(t, r.CreateBranch(ctx, "vigil/fix-merge"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "patched.js"), []byte("y"), 0o644))
	commit, err := r.CommitAll(ctx, "patch")
	require.NoError(t, err)

	head, err := r.MergeToTrunk(ctx, "vigil/fix-merge")
	require.NoError(t, err)
	assert.Equal(t, commit, head)

	// The patched file reached trunk.
	_, statErr := os.Stat(filepath.Join(dir, "patched.js"))
	assert.NoError(t, statErr)
	assert.False(t, r.isMergeCommit(head))
}

func TestDeleteBranch(t *testing.T) {
	t.Parallel()
	dir := initTestRepo(t)
	r := openTestRepo(t, dir)
	ctx := context.Background()

	require.NoError(t, r.CreateBranch(ctx, "vigil/fix-gone"))
	require.NoError(t, r.CheckoutTrunk(ctx))
	require.NoError(t, r.DeleteBranch(ctx, "vigil/fix-gone"))

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	_, err = repo.Reference(plumbing.NewBranchReferenceName("vigil/fix-gone"), false)
	assert.ErrorIs(t, err, plumbing.ErrReferenceNotFound)
}
