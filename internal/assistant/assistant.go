// File: internal/assistant/assistant.go
package assistant

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/vigilhq/vigil/internal/config"
	"github.com/vigilhq/vigil/internal/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Escalation is one bug handed off for human or AI-assisted review.
type Escalation struct {
	BugID     string            `json:"bug_id"`
	Title     string            `json:"title"`
	Reason    string            `json:"reason"`
	Severity  schemas.Severity  `json:"severity"`
	RootCause schemas.RootCause `json:"root_cause"`
	Advisory  string            `json:"advisory,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Assistant routes bugs the automatic fixer cannot or must not handle. Every
// escalation lands in a durable queue file; when the model collaborator is
// enabled, the entry also carries an advisory analysis.
type Assistant struct {
	logger *zap.Logger
	cfg    config.AssistantConfig
	llm    LLMClient
}

// New builds an assistant. llm may be nil when the collaborator is disabled;
// escalations are still queued.
func New(logger *zap.Logger, cfg config.AssistantConfig, llm LLMClient) *Assistant {
	return &Assistant{
		logger: logger.Named("assistant"),
		cfg:    cfg,
		llm:    llm,
	}
}

const advisorySystemPrompt = `You are a senior engineer reviewing a bug that an automated
fix pipeline declined to handle. Given the diagnosis, respond with a short
assessment: the most likely root cause, the files to inspect first, and the
safest fix strategy. Be concrete and brief.`

// Escalate queues a bug for review. Advisory generation runs under the
// configured time budget; its failure never loses the escalation.
func (a *Assistant) Escalate(ctx context.Context, bug schemas.DiagnosedBug, reason string) error {
	entry := Escalation{
		BugID:     bug.ID,
		Title:     bug.Title,
		Reason:    reason,
		Severity:  bug.Severity,
		RootCause: bug.RootCause,
		CreatedAt: time.Now(),
	}

	if a.cfg.Enabled && a.llm != nil {
		advisory, err := a.requestAdvisory(ctx, bug)
		if err != nil {
			a.logger.Warn("Advisory generation failed, queueing without it.",
				zap.String("bug_id", bug.ID), zap.Error(err))
		} else {
			entry.Advisory = advisory
		}
	}

	if err := a.appendToQueue(entry); err != nil {
		return fmt.Errorf("failed to queue escalation for bug %s: %w", bug.ID, err)
	}

	a.logger.Info("Bug escalated.",
		zap.String("bug_id", bug.ID),
		zap.String("reason", reason),
		zap.String("severity", string(bug.Severity)))
	return nil
}

// Queue returns all pending escalations.
func (a *Assistant) Queue() ([]Escalation, error) {
	data, err := os.ReadFile(a.cfg.QueueFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read escalation queue: %w", err)
	}

	var out []Escalation
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Escalation
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			a.logger.Warn("Skipping malformed queue line.", zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (a *Assistant) requestAdvisory(ctx context.Context, bug schemas.DiagnosedBug) (string, error) {
	budgetCtx, cancel := context.WithTimeout(ctx, a.cfg.Budget)
	defer cancel()

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Bug: %s\nSeverity: %s\nError: %s\n", bug.Title, bug.Severity, bug.Error.Message)
	fmt.Fprintf(&prompt, "Hypothesis (confidence %.2f): %s\n", bug.RootCause.Confidence, bug.RootCause.Hypothesis)
	if bug.RootCause.File != "" {
		fmt.Fprintf(&prompt, "Implicated location: %s:%d\n", bug.RootCause.File, bug.RootCause.Line)
	}
	if bug.RootCause.CodeContext != "" {
		fmt.Fprintf(&prompt, "Code context:\n%s\n", bug.RootCause.CodeContext)
	}

	return a.llm.Generate(budgetCtx, advisorySystemPrompt, prompt.String())
}

// appendToQueue writes one JSON line. The queue file is append-only so a
// crash mid-write cannot corrupt earlier entries.
func (a *Assistant) appendToQueue(entry Escalation) error {
	if err := os.MkdirAll(filepath.Dir(a.cfg.QueueFile), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(a.cfg.QueueFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
