// File: internal/fixer/reviser_test.go
package fixer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vigilhq/vigil/internal/config"
)

type mockLLM struct{ mock.Mock }

func (m *mockLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	args := m.Called(ctx, systemPrompt, userPrompt)
	return args.String(0), args.Error(1)
}

func TestReviseAppliesModelEdits(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "widget.tsx"),
		[]byte("const name = user?.profile.name;\n"), 0o644))

	llm := &mockLLM{}
	llm.On("Generate", mock.Anything, mock.Anything, mock.MatchedBy(func(prompt string) bool {
		// The failing gate's output must reach the model.
		return strings.Contains(prompt, "typecheck exploded")
	})).Return("```json\n[{\"file\":\"widget.tsx\",\"search\":\"user?.profile.name\",\"replace\":\"user?.profile?.name\"}]\n```", nil)

	r := NewLLMReviser(zaptest.NewLogger(t), root, llm)
	revised, err := r.Revise(context.Background(), fixableBug(t, t.TempDir()), failCheck("typecheck"))
	require.NoError(t, err)
	assert.True(t, revised)

	data, err := os.ReadFile(filepath.Join(root, "widget.tsx"))
	require.NoError(t, err)
	assert.Equal(t, "const name = user?.profile?.name;\n", string(data))
}

func TestReviseEmptyEditListDeclines(t *testing.T) {
	t.Parallel()

	llm := &mockLLM{}
	llm.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return("[]", nil)

	r := NewLLMReviser(zaptest.NewLogger(t), t.TempDir(), llm)
	revised, err := r.Revise(context.Background(), fixableBug(t, t.TempDir()), failCheck("test"))
	require.NoError(t, err)
	assert.False(t, revised, "a declined revision must end the gate loop without error")
}

func TestReviseMalformedResponse(t *testing.T) {
	t.Parallel()

	llm := &mockLLM{}
	llm.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return("I think you should refactor the component.", nil)

	r := NewLLMReviser(zaptest.NewLogger(t), t.TempDir(), llm)
	revised, err := r.Revise(context.Background(), fixableBug(t, t.TempDir()), failCheck("test"))
	require.Error(t, err)
	assert.False(t, revised)
}

func TestReviseSearchMissFails(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "widget.tsx"),
		[]byte("const x = 1;\n"), 0o644))

	llm := &mockLLM{}
	llm.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return(`[{"file":"widget.tsx","search":"not present","replace":"whatever"}]`, nil)

	r := NewLLMReviser(zaptest.NewLogger(t), root, llm)
	_, err := r.Revise(context.Background(), fixableBug(t, t.TempDir()), failCheck("test"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestReviseModelFailureSurfaces(t *testing.T) {
	t.Parallel()

	llm := &mockLLM{}
	llm.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("quota exceeded"))

	r := NewLLMReviser(zaptest.NewLogger(t), t.TempDir(), llm)
	_, err := r.Revise(context.Background(), fixableBug(t, t.TempDir()), failCheck("test"))
	require.Error(t, err)
}

func TestReviserRecoversFailedGate(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	git, gates, dep := &mockGit{}, &mockGates{}, &mockDeploy{}

	git.On("CreateBranch", mock.Anything, mock.Anything).Return(nil)
	git.On("CommitAll", mock.Anything, mock.Anything).Return("c0ffee", nil)
	git.On("MergeToTrunk", mock.Anything, mock.Anything).Return("deadbeef", nil)
	git.On("Push", mock.Anything).Return(nil)
	git.On("DeleteBranch", mock.Anything, mock.Anything).Return(nil)
	dep.On("Deploy", mock.Anything).Return(nil)

	// Typecheck rejects the applied change once; after the model's revision
	// lands, the rerun passes and the pipeline completes.
	gates.On("Typecheck", mock.Anything).Return(failCheck("typecheck")).Once()
	gates.On("Typecheck", mock.Anything).Return(pass("typecheck"))
	gates.On("Test", mock.Anything).Return(pass("test"))
	gates.On("Build", mock.Anything).Return(pass("build"))

	llm := &mockLLM{}
	llm.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return(`[{"file":"widget.tsx","search":"user?.profile?.name","replace":"user?.profile?.name ?? \"\""}]`, nil)

	cfg := config.FixerConfig{MinConfidence: 0.75, MaxGateIters: 3}
	reviser := NewLLMReviser(zaptest.NewLogger(t), root, llm)
	f := New(zaptest.NewLogger(t), cfg, root, git, gates, dep, reviser, nil)

	result, err := f.AttemptFix(context.Background(), fixableBug(t, root))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.TypecheckPassed)
	gates.AssertNumberOfCalls(t, "Typecheck", 2)
	llm.AssertNumberOfCalls(t, "Generate", 1)

	data, err := os.ReadFile(filepath.Join(root, "widget.tsx"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `user?.profile?.name ?? ""`)
}

func TestParseRevisionEdits(t *testing.T) {
	t.Parallel()

	edits, err := parseRevisionEdits(`[{"file":"a.ts","search":"x","replace":"y"}]`)
	require.NoError(t, err)
	require.Len(t, edits, 1)
	assert.Equal(t, "a.ts", edits[0].File)

	edits, err = parseRevisionEdits("Here you go:\n```json\n[]\n```")
	require.NoError(t, err)
	assert.Empty(t, edits)

	_, err = parseRevisionEdits("no array here")
	assert.Error(t, err)
}
