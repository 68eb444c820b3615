// File: internal/vcs/vcs.go
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/vigilhq/vigil/internal/config"
)

// Repo wraps the target project's git checkout. Local history operations go
// through go-git; anything that touches the remote or rewrites history shells
// out to the git binary, which handles auth and merge strategies properly.
type Repo struct {
	logger *zap.Logger
	cfg    config.TargetConfig
	fixCfg config.FixerConfig
	repo   *git.Repository
}

// Open attaches to the project checkout at cfg.ProjectRoot.
func Open(logger *zap.Logger, cfg config.TargetConfig, fixCfg config.FixerConfig) (*Repo, error) {
	r, err := git.PlainOpen(cfg.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", cfg.ProjectRoot, err)
	}
	return &Repo{
		logger: logger.Named("vcs"),
		cfg:    cfg,
		fixCfg: fixCfg,
		repo:   r,
	}, nil
}

// CreateBranch cuts a new branch from the current trunk head and checks it
// out. The worktree must be clean.
func (r *Repo) CreateBranch(ctx context.Context, name string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("failed to read worktree status: %w", err)
	}
	if !status.IsClean() {
		return fmt.Errorf("refusing to branch: worktree at %s is dirty", r.cfg.ProjectRoot)
	}

	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
	}); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", name, err)
	}

	r.logger.Info("Created fix branch.", zap.String("branch", name))
	return nil
}

// CheckoutTrunk returns the worktree to the trunk branch.
func (r *Repo) CheckoutTrunk(ctx context.Context) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(r.cfg.Trunk),
		Force:  true,
	}); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", r.cfg.Trunk, err)
	}
	return nil
}

// CommitAll stages every change in the worktree and commits it, returning
// the new commit hash.
func (r *Repo) CommitAll(ctx context.Context, message string) (string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}

	if err := wt.AddGlob("."); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  r.fixCfg.AuthorName,
			Email: r.fixCfg.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}

	r.logger.Info("Committed fix.", zap.String("commit", hash.String()[:12]))
	return hash.String(), nil
}

// MergeToTrunk fast-forwards or merges the named branch into trunk and
// returns the resulting trunk head.
func (r *Repo) MergeToTrunk(ctx context.Context, branch string) (string, error) {
	if err := r.CheckoutTrunk(ctx); err != nil {
		return "", err
	}
	if _, err := r.gitCmd(ctx, "merge", "--no-edit", branch); err != nil {
		// Leave trunk untouched; an aborted merge must not linger.
		r.gitCmd(ctx, "merge", "--abort") //nolint:errcheck
		return "", fmt.Errorf("failed to merge %s into %s: %w", branch, r.cfg.Trunk, err)
	}

	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve trunk head: %w", err)
	}
	r.logger.Info("Merged fix branch into trunk.",
		zap.String("branch", branch),
		zap.String("merge_commit", head.Hash().String()[:12]))
	return head.Hash().String(), nil
}

// Push publishes trunk to the configured remote.
func (r *Repo) Push(ctx context.Context) error {
	if _, err := r.gitCmd(ctx, "push", r.cfg.Remote, r.cfg.Trunk); err != nil {
		return fmt.Errorf("failed to push %s: %w", r.cfg.Trunk, err)
	}
	return nil
}

// Revert creates a revert commit for the given merge commit on trunk and
// pushes it. Merge commits are reverted against their first parent.
func (r *Repo) Revert(ctx context.Context, commit string) error {
	if err := r.CheckoutTrunk(ctx); err != nil {
		return err
	}

	args := []string{"revert", "--no-edit"}
	if r.isMergeCommit(commit) {
		args = append(args, "-m", "1")
	}
	args = append(args, commit)

	if _, err := r.gitCmd(ctx, args...); err != nil {
		r.gitCmd(ctx, "revert", "--abort") //nolint:errcheck
		return fmt.Errorf("failed to revert %s: %w", commit, err)
	}
	if err := r.Push(ctx); err != nil {
		return err
	}

	r.logger.Warn("Reverted commit on trunk.", zap.String("commit", commit[:12]))
	return nil
}

// DeleteBranch removes a local fix branch after merge or abandonment.
func (r *Repo) DeleteBranch(ctx context.Context, name string) error {
	if err := r.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name)); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", name, err)
	}
	return nil
}

func (r *Repo) isMergeCommit(hash string) bool {
	c, err := r.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return false
	}
	return c.NumParents() > 1
}

func (r *Repo) gitCmd(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.cfg.ProjectRoot

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	r.logger.Debug("Executing git command.", zap.String("args", strings.Join(args, " ")))
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}
