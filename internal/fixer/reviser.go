// File: internal/fixer/reviser.go
package fixer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/vigilhq/vigil/internal/schemas"
	"github.com/vigilhq/vigil/internal/vcs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LLM is the completion surface the reviser drives. Satisfied by the
// assistant's model client.
type LLM interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// LLMReviser turns a failed gate's output into follow-up worktree edits by
// asking the model for exact-match substitutions. It only ever runs on a fix
// branch; a bad revision is caught by the same gate on the next iteration.
type LLMReviser struct {
	logger *zap.Logger
	root   string
	llm    LLM
}

// NewLLMReviser builds a reviser over the project worktree.
func NewLLMReviser(logger *zap.Logger, projectRoot string, llm LLM) *LLMReviser {
	return &LLMReviser{
		logger: logger.Named("reviser"),
		root:   projectRoot,
		llm:    llm,
	}
}

const reviserSystemPrompt = `You are repairing an automated code fix that failed a verification
gate. Respond with ONLY a JSON array of edits, each an object with "file"
(path relative to the project root), "search" (text that appears verbatim in
the file exactly once) and "replace" (its replacement). Respond with [] if no
safe edit exists. No prose, no markdown.`

type revisionEdit struct {
	File    string `json:"file"`
	Search  string `json:"search"`
	Replace string `json:"replace"`
}

// Revise asks the model for edits addressing the gate failure and applies
// them. It returns false with a nil error when the model declines, so the
// gate loop ends cleanly instead of retrying an unchanged worktree.
func (r *LLMReviser) Revise(ctx context.Context, bug schemas.DiagnosedBug, check vcs.CheckResult) (bool, error) {
	raw, err := r.llm.Generate(ctx, reviserSystemPrompt, r.buildPrompt(bug, check))
	if err != nil {
		return false, fmt.Errorf("revision request failed: %w", err)
	}

	edits, err := parseRevisionEdits(raw)
	if err != nil {
		return false, fmt.Errorf("unusable revision response: %w", err)
	}
	if len(edits) == 0 {
		r.logger.Info("Model declined to revise.", zap.String("check", check.Name))
		return false, nil
	}

	for _, e := range edits {
		if err := r.applyEdit(e); err != nil {
			return false, err
		}
	}
	r.logger.Info("Applied revision.",
		zap.String("check", check.Name),
		zap.Int("edits", len(edits)))
	return true, nil
}

func (r *LLMReviser) buildPrompt(bug schemas.DiagnosedBug, check vcs.CheckResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Bug being fixed: %s\n", bug.Title)
	fmt.Fprintf(&b, "Original error: %s\n", bug.Error.Message)
	if bug.Fix != nil {
		for _, ch := range bug.Fix.Changes {
			fmt.Fprintf(&b, "Applied change in %s:\n  search:  %s\n  replace: %s\n", ch.File, ch.Search, ch.Replace)
		}
	}
	fmt.Fprintf(&b, "\nGate %q failed with:\n%s\n", check.Name, strings.TrimSpace(check.Output))
	return b.String()
}

// applyEdit performs one exact-match substitution. Like the fixer itself,
// the reviser never fuzzy-matches: a search miss fails the revision.
func (r *LLMReviser) applyEdit(e revisionEdit) error {
	if e.File == "" || e.Search == "" {
		return fmt.Errorf("revision edit is missing file or search text")
	}
	target := e.File
	if !filepath.IsAbs(target) {
		target = filepath.Join(r.root, e.File)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", e.File, err)
	}
	content := string(data)
	if !strings.Contains(content, e.Search) {
		return fmt.Errorf("revision search text not found in %s", e.File)
	}

	info, err := os.Stat(target)
	if err != nil {
		return err
	}
	updated := strings.Replace(content, e.Search, e.Replace, 1)
	if err := os.WriteFile(target, []byte(updated), info.Mode()); err != nil {
		return fmt.Errorf("failed to write %s: %w", e.File, err)
	}
	return nil
}

// parseRevisionEdits extracts the JSON array from a completion, tolerating
// models that wrap it in a markdown fence despite instructions.
func parseRevisionEdits(raw string) ([]revisionEdit, error) {
	start := strings.IndexByte(raw, '[')
	end := strings.LastIndexByte(raw, ']')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var edits []revisionEdit
	if err := json.Unmarshal([]byte(raw[start:end+1]), &edits); err != nil {
		return nil, err
	}
	return edits, nil
}
