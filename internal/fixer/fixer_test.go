// File: internal/fixer/fixer_test.go
package fixer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vigilhq/vigil/internal/config"
	"github.com/vigilhq/vigil/internal/schemas"
	"github.com/vigilhq/vigil/internal/vcs"
)

type mockGit struct{ mock.Mock }

func (m *mockGit) CreateBranch(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}
func (m *mockGit) CheckoutTrunk(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockGit) CommitAll(ctx context.Context, msg string) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}
func (m *mockGit) MergeToTrunk(ctx context.Context, branch string) (string, error) {
	args := m.Called(ctx, branch)
	return args.String(0), args.Error(1)
}
func (m *mockGit) Push(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockGit) DeleteBranch(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

type mockGates struct{ mock.Mock }

func (m *mockGates) Typecheck(ctx context.Context) vcs.CheckResult {
	return m.Called(ctx).Get(0).(vcs.CheckResult)
}
func (m *mockGates) Test(ctx context.Context) vcs.CheckResult {
	return m.Called(ctx).Get(0).(vcs.CheckResult)
}
func (m *mockGates) Build(ctx context.Context) vcs.CheckResult {
	return m.Called(ctx).Get(0).(vcs.CheckResult)
}

type mockDeploy struct{ mock.Mock }

func (m *mockDeploy) Deploy(ctx context.Context) error { return m.Called(ctx).Error(0) }

type mockMetrics struct{ mock.Mock }

func (m *mockMetrics) Metrics(ctx context.Context) (schemas.HealthMetrics, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.HealthMetrics), args.Error(1)
}

func pass(name string) vcs.CheckResult { return vcs.CheckResult{Name: name, Passed: true} }
func failCheck(name string) vcs.CheckResult {
	return vcs.CheckResult{Name: name, Passed: false, Output: name + " exploded"}
}

func fixableBug(t *testing.T, root string) schemas.DiagnosedBug {
	t.Helper()
	file := filepath.Join(root, "widget.tsx")
	require.NoError(t, os.WriteFile(file, []byte("const name = user.profile.name;\n"), 0o644))
	return schemas.DiagnosedBug{
		ID:       "bug-abc12345",
		Title:    "[CONSOLE] Cannot read property 'name' of undefined",
		Severity: schemas.SeverityHigh,
		RootCause: schemas.RootCause{
			Type:       schemas.RootCauseFrontend,
			Hypothesis: "Profile read before load.",
			Confidence: 0.85,
		},
		Fix: &schemas.SuggestedFix{
			Description: "Guard the profile access.",
			Changes: []schemas.CodeChange{{
				File:    "widget.tsx",
				Search:  "user.profile.name",
				Replace: "user?.profile?.name",
			}},
		},
	}
}

func newFixer(t *testing.T, root string, git *mockGit, gates *mockGates, dep *mockDeploy) *Fixer {
	t.Helper()
	cfg := config.FixerConfig{MinConfidence: 0.75, MaxFixAttempts: 3, MaxGateIters: 3}
	return New(zaptest.NewLogger(t), cfg, root, git, gates, dep, nil, nil)
}

func TestAttemptFixHappyPath(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	git, gates, dep := &mockGit{}, &mockGates{}, &mockDeploy{}

	git.On("CreateBranch", mock.Anything, "vigil/fix-bug-abc1").Return(nil)
	gates.On("Typecheck", mock.Anything).Return(pass("typecheck"))
	gates.On("Test", mock.Anything).Return(pass("test"))
	gates.On("Build", mock.Anything).Return(pass("build"))
	git.On("CommitAll", mock.Anything, mock.MatchedBy(func(msg string) bool {
		return len(msg) > 0
	})).Return("c0ffee123456", nil)
	git.On("MergeToTrunk", mock.Anything, "vigil/fix-bug-abc1").Return("deadbeef1234", nil)
	git.On("Push", mock.Anything).Return(nil)
	git.On("DeleteBranch", mock.Anything, "vigil/fix-bug-abc1").Return(nil)
	dep.On("Deploy", mock.Anything).Return(nil)

	f := newFixer(t, root, git, gates, dep)
	result, err := f.AttemptFix(context.Background(), fixableBug(t, root))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, schemas.FixStatusFixed, result.Status)
	assert.True(t, result.TypecheckPassed)
	assert.True(t, result.TestsPassed)
	assert.True(t, result.BuildPassed)
	assert.Equal(t, "c0ffee123456", result.Commit)
	assert.Equal(t, "deadbeef1234", result.MergeCommit)
	require.NotNil(t, result.CompletedAt)

	// The change really landed on disk.
	data, err := os.ReadFile(filepath.Join(root, "widget.tsx"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "user?.profile?.name")
}

func TestAttemptFixSearchMissFailsClosed(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	git, gates, dep := &mockGit{}, &mockGates{}, &mockDeploy{}

	git.On("CreateBranch", mock.Anything, mock.Anything).Return(nil)
	git.On("CheckoutTrunk", mock.Anything).Return(nil)
	git.On("DeleteBranch", mock.Anything, mock.Anything).Return(nil)

	bug := fixableBug(t, root)
	bug.Fix.Changes[0].Search = "text that is not in the file"

	f := newFixer(t, root, git, gates, dep)
	result, err := f.AttemptFix(context.Background(), bug)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, schemas.FixStatusFailed, result.Status)
	git.AssertCalled(t, "CheckoutTrunk", mock.Anything)
	git.AssertNotCalled(t, "CommitAll", mock.Anything, mock.Anything)
	dep.AssertNotCalled(t, "Deploy", mock.Anything)
}

func TestAttemptFixNoChanges(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	git, gates, dep := &mockGit{}, &mockGates{}, &mockDeploy{}
	git.On("CheckoutTrunk", mock.Anything).Return(nil)

	bug := fixableBug(t, root)
	bug.Fix = &schemas.SuggestedFix{Description: "advice only"}

	f := newFixer(t, root, git, gates, dep)
	result, err := f.AttemptFix(context.Background(), bug)
	require.NoError(t, err)

	assert.False(t, result.Success)
	git.AssertNotCalled(t, "CreateBranch", mock.Anything, mock.Anything)
}

func TestAttemptFixGateFailureAbandons(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	git, gates, dep := &mockGit{}, &mockGates{}, &mockDeploy{}

	git.On("CreateBranch", mock.Anything, mock.Anything).Return(nil)
	git.On("CheckoutTrunk", mock.Anything).Return(nil)
	git.On("DeleteBranch", mock.Anything, mock.Anything).Return(nil)
	gates.On("Typecheck", mock.Anything).Return(pass("typecheck"))
	gates.On("Test", mock.Anything).Return(failCheck("test"))

	f := newFixer(t, root, git, gates, dep)
	result, err := f.AttemptFix(context.Background(), fixableBug(t, root))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.TypecheckPassed)
	assert.False(t, result.TestsPassed)
	assert.NotEmpty(t, result.Errors)

	// Without a reviser the gate runs exactly once, never the full cap.
	gates.AssertNumberOfCalls(t, "Test", 1)
	git.AssertNotCalled(t, "MergeToTrunk", mock.Anything, mock.Anything)
	dep.AssertNotCalled(t, "Deploy", mock.Anything)
}

type flakyReviser struct{ calls int }

func (r *flakyReviser) Revise(ctx context.Context, bug schemas.DiagnosedBug, check vcs.CheckResult) (bool, error) {
	r.calls++
	return true, nil
}

func TestGateIterationIsBounded(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	git, gates, dep := &mockGit{}, &mockGates{}, &mockDeploy{}

	git.On("CreateBranch", mock.Anything, mock.Anything).Return(nil)
	git.On("CheckoutTrunk", mock.Anything).Return(nil)
	git.On("DeleteBranch", mock.Anything, mock.Anything).Return(nil)
	gates.On("Typecheck", mock.Anything).Return(failCheck("typecheck"))

	reviser := &flakyReviser{}
	cfg := config.FixerConfig{MinConfidence: 0.75, MaxGateIters: 3}
	f := New(zaptest.NewLogger(t), cfg, root, git, gates, dep, reviser, nil)

	result, err := f.AttemptFix(context.Background(), fixableBug(t, root))
	require.NoError(t, err)

	assert.False(t, result.Success)
	gates.AssertNumberOfCalls(t, "Typecheck", 3)
	assert.Equal(t, 2, reviser.calls, "no revision after the final iteration")
}

func TestAttemptFixRecordsPreDeployBaseline(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	git, gates, dep, metrics := &mockGit{}, &mockGates{}, &mockDeploy{}, &mockMetrics{}

	git.On("CreateBranch", mock.Anything, mock.Anything).Return(nil)
	gates.On("Typecheck", mock.Anything).Return(pass("typecheck"))
	gates.On("Test", mock.Anything).Return(pass("test"))
	gates.On("Build", mock.Anything).Return(pass("build"))
	git.On("CommitAll", mock.Anything, mock.Anything).Return("c0ffee", nil)
	git.On("MergeToTrunk", mock.Anything, mock.Anything).Return("deadbeef", nil)
	git.On("Push", mock.Anything).Return(nil)
	git.On("DeleteBranch", mock.Anything, mock.Anything).Return(nil)

	var calls []string
	metrics.On("Metrics", mock.Anything).
		Run(func(mock.Arguments) { calls = append(calls, "sample") }).
		Return(schemas.HealthMetrics{ErrorRate: 0.005, ResponseTimeMs: 90}, nil)
	dep.On("Deploy", mock.Anything).
		Run(func(mock.Arguments) { calls = append(calls, "deploy") }).
		Return(nil)

	cfg := config.FixerConfig{MinConfidence: 0.75, MaxFixAttempts: 3, MaxGateIters: 3}
	f := New(zaptest.NewLogger(t), cfg, root, git, gates, dep, nil, metrics)

	result, err := f.AttemptFix(context.Background(), fixableBug(t, root))
	require.NoError(t, err)
	require.NotNil(t, result.Baseline)
	assert.Equal(t, 0.005, result.Baseline.ErrorRate)
	assert.Equal(t, []string{"sample", "deploy"}, calls, "the baseline is sampled before the deploy")
}

func TestAttemptFixBaselineSampleFailureDoesNotBlock(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	git, gates, dep, metrics := &mockGit{}, &mockGates{}, &mockDeploy{}, &mockMetrics{}

	git.On("CreateBranch", mock.Anything, mock.Anything).Return(nil)
	gates.On("Typecheck", mock.Anything).Return(pass("typecheck"))
	gates.On("Test", mock.Anything).Return(pass("test"))
	gates.On("Build", mock.Anything).Return(pass("build"))
	git.On("CommitAll", mock.Anything, mock.Anything).Return("c0ffee", nil)
	git.On("MergeToTrunk", mock.Anything, mock.Anything).Return("deadbeef", nil)
	git.On("Push", mock.Anything).Return(nil)
	git.On("DeleteBranch", mock.Anything, mock.Anything).Return(nil)
	metrics.On("Metrics", mock.Anything).Return(schemas.HealthMetrics{}, errors.New("endpoint down"))
	dep.On("Deploy", mock.Anything).Return(nil)

	cfg := config.FixerConfig{MinConfidence: 0.75, MaxFixAttempts: 3, MaxGateIters: 3}
	f := New(zaptest.NewLogger(t), cfg, root, git, gates, dep, nil, metrics)

	result, err := f.AttemptFix(context.Background(), fixableBug(t, root))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Nil(t, result.Baseline)
}

func TestAttemptFixMergeFailureAbandons(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	git, gates, dep := &mockGit{}, &mockGates{}, &mockDeploy{}

	git.On("CreateBranch", mock.Anything, mock.Anything).Return(nil)
	gates.On("Typecheck", mock.Anything).Return(pass("typecheck"))
	gates.On("Test", mock.Anything).Return(pass("test"))
	gates.On("Build", mock.Anything).Return(pass("build"))
	git.On("CommitAll", mock.Anything, mock.Anything).Return("c0ffee", nil)
	git.On("MergeToTrunk", mock.Anything, mock.Anything).Return("", errors.New("conflict"))
	git.On("CheckoutTrunk", mock.Anything).Return(nil)
	git.On("DeleteBranch", mock.Anything, mock.Anything).Return(nil)

	f := newFixer(t, root, git, gates, dep)
	result, err := f.AttemptFix(context.Background(), fixableBug(t, root))
	require.NoError(t, err)

	assert.False(t, result.Success)
	dep.AssertNotCalled(t, "Deploy", mock.Anything)
}

func TestAttemptFixDeployFailureSurfaces(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	git, gates, dep := &mockGit{}, &mockGates{}, &mockDeploy{}

	git.On("CreateBranch", mock.Anything, mock.Anything).Return(nil)
	gates.On("Typecheck", mock.Anything).Return(pass("typecheck"))
	gates.On("Test", mock.Anything).Return(pass("test"))
	gates.On("Build", mock.Anything).Return(pass("build"))
	git.On("CommitAll", mock.Anything, mock.Anything).Return("c0ffee", nil)
	git.On("MergeToTrunk", mock.Anything, mock.Anything).Return("deadbeef", nil)
	git.On("Push", mock.Anything).Return(nil)
	git.On("DeleteBranch", mock.Anything, mock.Anything).Return(nil)
	dep.On("Deploy", mock.Anything).Return(errors.New("registry down"))

	f := newFixer(t, root, git, gates, dep)
	result, err := f.AttemptFix(context.Background(), fixableBug(t, root))
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, schemas.FixStatusFailed, result.Status)
}

func TestResolveTargetGlob(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "components"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "src", "components", "List.tsx"),
		[]byte("items.map(render)"), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "src", "other.txt"),
		[]byte("items.map(render)"), 0o644))

	f := newFixer(t, root, &mockGit{}, &mockGates{}, &mockDeploy{})
	target, err := f.resolveTarget(schemas.CodeChange{
		File:   "src/**/*.{ts,tsx}",
		Search: "items.map(",
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "src", "components", "List.tsx"), target)

	_, err = f.resolveTarget(schemas.CodeChange{File: "src/**/*.go", Search: "items.map("})
	assert.Error(t, err)
}

func TestExpandBraces(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"*.ts", "*.tsx"}, expandBraces("*.{ts,tsx}"))
	assert.Equal(t, []string{"*.go"}, expandBraces("*.go"))
}
