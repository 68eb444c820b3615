// File: internal/assistant/assistant_test.go
package assistant

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vigilhq/vigil/internal/config"
	"github.com/vigilhq/vigil/internal/schemas"
)

type mockLLM struct{ mock.Mock }

func (m *mockLLM) Generate(ctx context.Context, system, user string) (string, error) {
	args := m.Called(ctx, system, user)
	return args.String(0), args.Error(1)
}

func (m *mockLLM) Close() error { return m.Called().Error(0) }

func sampleBug() schemas.DiagnosedBug {
	return schemas.DiagnosedBug{
		ID:       "bug-42",
		Title:    "[CONSOLE] Cannot read property 'id' of undefined",
		Severity: schemas.SeverityHigh,
		Error:    schemas.CapturedError{Message: "Cannot read property 'id' of undefined"},
		RootCause: schemas.RootCause{
			Type:       schemas.RootCauseFrontend,
			Hypothesis: "State read before population.",
			Confidence: 0.85,
		},
	}
}

func newAssistant(t *testing.T, enabled bool, llm LLMClient) *Assistant {
	t.Helper()
	cfg := config.AssistantConfig{
		Enabled:   enabled,
		Budget:    2 * time.Second,
		QueueFile: filepath.Join(t.TempDir(), "escalations.jsonl"),
	}
	return New(zaptest.NewLogger(t), cfg, llm)
}

func TestEscalateQueuesWithoutLLM(t *testing.T) {
	t.Parallel()
	a := newAssistant(t, false, nil)

	require.NoError(t, a.Escalate(context.Background(), sampleBug(), "confidence below threshold"))

	q, err := a.Queue()
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, "bug-42", q[0].BugID)
	assert.Equal(t, "confidence below threshold", q[0].Reason)
	assert.Empty(t, q[0].Advisory)
}

func TestEscalateAttachesAdvisory(t *testing.T) {
	t.Parallel()

	llm := &mockLLM{}
	llm.On("Generate", mock.Anything, mock.Anything, mock.MatchedBy(func(prompt string) bool {
		return len(prompt) > 0
	})).Return("Check the selector feeding the component.", nil)

	a := newAssistant(t, true, llm)
	require.NoError(t, a.Escalate(context.Background(), sampleBug(), "database root cause"))

	q, err := a.Queue()
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, "Check the selector feeding the component.", q[0].Advisory)
}

func TestEscalateSurvivesAdvisoryFailure(t *testing.T) {
	t.Parallel()

	llm := &mockLLM{}
	llm.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("quota exceeded"))

	a := newAssistant(t, true, llm)
	require.NoError(t, a.Escalate(context.Background(), sampleBug(), "high risk"))

	q, err := a.Queue()
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Empty(t, q[0].Advisory)
}

func TestQueueAccumulates(t *testing.T) {
	t.Parallel()
	a := newAssistant(t, false, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Escalate(context.Background(), sampleBug(), "repeat"))
	}
	q, err := a.Queue()
	require.NoError(t, err)
	assert.Len(t, q, 3)
}

func TestQueueEmptyWhenMissing(t *testing.T) {
	t.Parallel()
	a := newAssistant(t, false, nil)
	q, err := a.Queue()
	require.NoError(t, err)
	assert.Empty(t, q)
}
