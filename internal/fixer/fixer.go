// File: internal/fixer/fixer.go
package fixer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vigilhq/vigil/internal/config"
	"github.com/vigilhq/vigil/internal/schemas"
	"github.com/vigilhq/vigil/internal/vcs"
)

// GitClient is the slice of the vcs layer the pipeline drives.
type GitClient interface {
	CreateBranch(ctx context.Context, name string) error
	CheckoutTrunk(ctx context.Context) error
	CommitAll(ctx context.Context, message string) (string, error)
	MergeToTrunk(ctx context.Context, branch string) (string, error)
	Push(ctx context.Context) error
	DeleteBranch(ctx context.Context, name string) error
}

// Gates runs the project's verification commands.
type Gates interface {
	Typecheck(ctx context.Context) vcs.CheckResult
	Test(ctx context.Context) vcs.CheckResult
	Build(ctx context.Context) vcs.CheckResult
}

// Deployer ships trunk after a merge.
type Deployer interface {
	Deploy(ctx context.Context) error
}

// MetricsSource samples the target's counters. The sample taken just before
// a deploy becomes the supervisor's comparison baseline; a post-deploy sample
// would already include the deploy's own fallout.
type MetricsSource interface {
	Metrics(ctx context.Context) (schemas.HealthMetrics, error)
}

// Reviser amends the worktree when a gate fails, given the gate's output.
// Optional; without one a failed gate ends the attempt on its first
// iteration.
type Reviser interface {
	Revise(ctx context.Context, bug schemas.DiagnosedBug, check vcs.CheckResult) (bool, error)
}

// Fixer executes the fix pipeline for one diagnosed bug: branch, apply,
// gate, merge, deploy. Every failure path abandons the branch and restores
// trunk; a partial fix never survives.
type Fixer struct {
	logger   *zap.Logger
	cfg      config.FixerConfig
	root     string
	git      GitClient
	gates    Gates
	deployer Deployer
	reviser  Reviser
	metrics  MetricsSource
}

// New builds a fixer. reviser and metrics may be nil.
func New(logger *zap.Logger, cfg config.FixerConfig, projectRoot string, git GitClient, gates Gates, deployer Deployer, reviser Reviser, metrics MetricsSource) *Fixer {
	return &Fixer{
		logger:   logger.Named("fixer"),
		cfg:      cfg,
		root:     projectRoot,
		git:      git,
		gates:    gates,
		deployer: deployer,
		reviser:  reviser,
		metrics:  metrics,
	}
}

// AttemptFix runs the pipeline end to end and returns an immutable result.
// The returned error covers infrastructure failures only; a fix that was
// cleanly rejected by its gates returns a failed result and a nil error.
func (f *Fixer) AttemptFix(ctx context.Context, bug schemas.DiagnosedBug) (*schemas.FixResult, error) {
	result := &schemas.FixResult{
		ID:        uuid.New().String(),
		BugID:     bug.ID,
		Status:    schemas.FixStatusInProgress,
		StartedAt: time.Now(),
	}

	log := f.logger.With(zap.String("bug_id", bug.ID), zap.String("fix_id", result.ID))

	if bug.Fix == nil || len(bug.Fix.Changes) == 0 {
		return f.fail(ctx, result, "", "no applyable code changes on the diagnosed bug"), nil
	}

	branch := fmt.Sprintf("vigil/fix-%s", shortID(bug.ID))
	result.Branch = branch

	if err := f.git.CreateBranch(ctx, branch); err != nil {
		return f.fail(ctx, result, "", fmt.Sprintf("branch creation failed: %v", err)), nil
	}

	log.Info("Applying fix.", zap.String("branch", branch), zap.Int("changes", len(bug.Fix.Changes)))
	if err := f.applyChanges(bug.Fix.Changes); err != nil {
		return f.fail(ctx, result, branch, fmt.Sprintf("apply failed: %v", err)), nil
	}

	if !f.runGates(ctx, bug, result) {
		return f.fail(ctx, result, branch, "verification gates rejected the fix"), nil
	}

	commit, err := f.git.CommitAll(ctx, commitMessage(bug))
	if err != nil {
		return f.fail(ctx, result, branch, fmt.Sprintf("commit failed: %v", err)), nil
	}
	result.Commit = commit

	mergeCommit, err := f.git.MergeToTrunk(ctx, branch)
	if err != nil {
		return f.fail(ctx, result, branch, fmt.Sprintf("merge failed: %v", err)), nil
	}
	result.MergeCommit = mergeCommit

	if err := f.git.Push(ctx); err != nil {
		return f.fail(ctx, result, branch, fmt.Sprintf("push failed: %v", err)), nil
	}
	if err := f.git.DeleteBranch(ctx, branch); err != nil {
		log.Warn("Could not delete merged fix branch.", zap.Error(err))
	}

	if f.metrics != nil {
		if baseline, err := f.metrics.Metrics(ctx); err != nil {
			log.Warn("Pre-deploy baseline sample failed.", zap.Error(err))
		} else {
			result.Baseline = &baseline
		}
	}

	if err := f.deployer.Deploy(ctx); err != nil {
		// The merge is already on trunk; deployment failure is an
		// infrastructure problem the caller must see.
		f.complete(result, schemas.FixStatusFailed, fmt.Sprintf("deploy failed: %v", err))
		return result, fmt.Errorf("fix merged but deploy failed: %w", err)
	}

	result.Success = true
	f.complete(result, schemas.FixStatusFixed, "")
	log.Info("Fix merged and deployed.",
		zap.String("commit", shortID(commit)),
		zap.String("merge_commit", shortID(mergeCommit)))
	return result, nil
}

// runGates runs typecheck and tests with a bounded revision loop each, then
// the build once. Every gate must pass for the fix to proceed.
func (f *Fixer) runGates(ctx context.Context, bug schemas.DiagnosedBug, result *schemas.FixResult) bool {
	result.TypecheckPassed = f.iterateOnGate(ctx, bug, result, f.gates.Typecheck)
	if !result.TypecheckPassed {
		return false
	}
	result.TestsPassed = f.iterateOnGate(ctx, bug, result, f.gates.Test)
	if !result.TestsPassed {
		return false
	}

	build := f.gates.Build(ctx)
	result.BuildPassed = build.Passed
	if !build.Passed {
		result.Errors = append(result.Errors, gateError(build))
	}
	return build.Passed
}

// iterateOnGate retries one gate up to the configured iteration cap,
// invoking the reviser between attempts. The loop is explicitly counted;
// there is no unbounded retry.
func (f *Fixer) iterateOnGate(ctx context.Context, bug schemas.DiagnosedBug, result *schemas.FixResult, gate func(context.Context) vcs.CheckResult) bool {
	for iter := 0; iter < f.cfg.MaxGateIters; iter++ {
		check := gate(ctx)
		if check.Passed {
			return true
		}
		result.Errors = append(result.Errors, gateError(check))

		if f.reviser == nil || iter == f.cfg.MaxGateIters-1 {
			return false
		}
		revised, err := f.reviser.Revise(ctx, bug, check)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("revision failed: %v", err))
			return false
		}
		if !revised {
			return false
		}
		f.logger.Info("Retrying gate after revision.",
			zap.String("check", check.Name), zap.Int("iteration", iter+1))
	}
	return false
}

// applyChanges performs each exact-match substitution. A search string that
// does not appear verbatim in its target file is a hard failure; the fixer
// never fuzzy-matches.
func (f *Fixer) applyChanges(changes []schemas.CodeChange) error {
	for _, ch := range changes {
		target, err := f.resolveTarget(ch)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(target)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", ch.File, err)
		}

		content := string(data)
		if !strings.Contains(content, ch.Search) {
			return fmt.Errorf("search text not found in %s", ch.File)
		}
		updated := strings.Replace(content, ch.Search, ch.Replace, 1)

		info, err := os.Stat(target)
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, []byte(updated), info.Mode()); err != nil {
			return fmt.Errorf("failed to write %s: %w", ch.File, err)
		}
	}
	return nil
}

// resolveTarget maps a change's file reference to one concrete path. Plain
// paths resolve directly; glob patterns from learned templates resolve to
// the first project file whose name matches and which contains the search
// text.
func (f *Fixer) resolveTarget(ch schemas.CodeChange) (string, error) {
	if !strings.ContainsAny(ch.File, "*?[{") {
		p := ch.File
		if !filepath.IsAbs(p) {
			p = filepath.Join(f.root, p)
		}
		return p, nil
	}

	basePattern := path.Base(filepath.ToSlash(ch.File))
	patterns := expandBraces(basePattern)

	var found string
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || found != "" {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if d.Name() == "node_modules" || d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		for _, pat := range patterns {
			if ok, _ := path.Match(pat, d.Name()); ok {
				data, readErr := os.ReadFile(p)
				if readErr == nil && strings.Contains(string(data), ch.Search) {
					found = p
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("no file matching %s contains the search text", ch.File)
	}
	return found, nil
}

// fail abandons the attempt: restore trunk, drop the branch, finalize.
func (f *Fixer) fail(ctx context.Context, result *schemas.FixResult, branch, reason string) *schemas.FixResult {
	f.logger.Warn("Fix attempt failed.",
		zap.String("bug_id", result.BugID),
		zap.String("reason", reason))

	if err := f.git.CheckoutTrunk(ctx); err != nil {
		f.logger.Error("Failed to restore trunk after failed fix.", zap.Error(err))
		result.Errors = append(result.Errors, fmt.Sprintf("trunk restore failed: %v", err))
	}
	if branch != "" {
		if err := f.git.DeleteBranch(ctx, branch); err != nil {
			f.logger.Warn("Failed to delete abandoned fix branch.", zap.Error(err))
		}
	}
	f.complete(result, schemas.FixStatusFailed, reason)
	return result
}

func (f *Fixer) complete(result *schemas.FixResult, status schemas.FixStatus, reason string) {
	if reason != "" {
		result.Errors = append(result.Errors, reason)
	}
	result.Status = status
	now := time.Now()
	result.CompletedAt = &now
}

func commitMessage(bug schemas.DiagnosedBug) string {
	var b strings.Builder
	fmt.Fprintf(&b, "fix: %s\n\n", bug.Title)
	fmt.Fprintf(&b, "Bug: %s\n", bug.ID)
	fmt.Fprintf(&b, "Root cause: %s\n", bug.RootCause.Hypothesis)
	if bug.Fix != nil {
		fmt.Fprintf(&b, "Fix: %s\n", bug.Fix.Description)
	}
	return b.String()
}

// expandBraces turns a pattern like "*.{ts,tsx}" into plain match patterns.
// path.Match has no brace support; learned templates use them heavily.
func expandBraces(pattern string) []string {
	open := strings.IndexByte(pattern, '{')
	end := strings.IndexByte(pattern, '}')
	if open < 0 || end < open {
		return []string{pattern}
	}
	prefix, suffix := pattern[:open], pattern[end+1:]
	var out []string
	for _, alt := range strings.Split(pattern[open+1:end], ",") {
		out = append(out, expandBraces(prefix+alt+suffix)...)
	}
	return out
}

func gateError(check vcs.CheckResult) string {
	return fmt.Sprintf("%s failed: %s", check.Name, strings.TrimSpace(check.Output))
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
