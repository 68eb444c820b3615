// File: internal/tracker/tracker.go
package tracker

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/go-github/v58/github"
	"go.uber.org/zap"

	"github.com/vigilhq/vigil/internal/config"
	"github.com/vigilhq/vigil/internal/schemas"
	"github.com/vigilhq/vigil/internal/storage"
)

const issueMapDoc = "tracker-issues"

// IssueCreator is the slice of the GitHub API the tracker needs.
type IssueCreator interface {
	Create(ctx context.Context, owner, repo string, issue *github.IssueRequest) (*github.Issue, *github.Response, error)
}

// Tracker files external issues for bugs that automation could not resolve.
// Creation is idempotent per error hash: a bug that resurfaces across cycles
// reuses its existing issue instead of opening a duplicate.
type Tracker struct {
	logger *zap.Logger
	cfg    config.TrackerConfig
	store  *storage.Store
	issues IssueCreator
}

// New builds a tracker against the real GitHub API.
func New(logger *zap.Logger, cfg config.TrackerConfig, store *storage.Store) *Tracker {
	client := github.NewClient(nil)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	return NewWithClient(logger, cfg, store, client.Issues)
}

// NewWithClient injects the issue API, used by tests.
func NewWithClient(logger *zap.Logger, cfg config.TrackerConfig, store *storage.Store, issues IssueCreator) *Tracker {
	return &Tracker{
		logger: logger.Named("tracker"),
		cfg:    cfg,
		store:  store,
		issues: issues,
	}
}

// FileIssue opens an issue for the bug unless one already exists for its
// error hash. It returns the issue number either way.
func (t *Tracker) FileIssue(ctx context.Context, bug schemas.DiagnosedBug) (int, error) {
	if !t.cfg.Enabled {
		return 0, nil
	}

	filed, err := t.loadIssueMap()
	if err != nil {
		return 0, err
	}
	if num, ok := filed[bug.Error.Hash]; ok {
		t.logger.Debug("Issue already filed for this error.",
			zap.String("hash", bug.Error.Hash), zap.Int("issue", num))
		return num, nil
	}

	req := &github.IssueRequest{
		Title:  github.String(bug.Title),
		Body:   github.String(issueBody(bug)),
		Labels: &t.cfg.Labels,
	}
	issue, _, err := t.issues.Create(ctx, t.cfg.RepoOwner, t.cfg.RepoName, req)
	if err != nil {
		return 0, fmt.Errorf("failed to create issue for bug %s: %w", bug.ID, err)
	}

	filed[bug.Error.Hash] = issue.GetNumber()
	if err := t.store.Save(issueMapDoc, filed); err != nil {
		return issue.GetNumber(), fmt.Errorf("issue %d created but not recorded: %w", issue.GetNumber(), err)
	}

	t.logger.Info("Filed tracker issue.",
		zap.String("bug_id", bug.ID),
		zap.Int("issue", issue.GetNumber()))
	return issue.GetNumber(), nil
}

func (t *Tracker) loadIssueMap() (map[string]int, error) {
	filed := make(map[string]int)
	if err := t.store.Load(issueMapDoc, &filed); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load issue map: %w", err)
	}
	return filed, nil
}

func issueBody(bug schemas.DiagnosedBug) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", bug.Description)
	fmt.Fprintf(&b, "**Severity:** %s\n", bug.Severity)
	fmt.Fprintf(&b, "**Category:** %s\n", bug.Category)
	fmt.Fprintf(&b, "**Root cause (%s, confidence %.2f):** %s\n",
		bug.RootCause.Type, bug.RootCause.Confidence, bug.RootCause.Hypothesis)
	if bug.RootCause.File != "" {
		fmt.Fprintf(&b, "**Location:** `%s:%d`\n", bug.RootCause.File, bug.RootCause.Line)
	}
	if len(bug.ReproSteps) > 0 {
		b.WriteString("\n**Steps to reproduce:**\n")
		for i, step := range bug.ReproSteps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}
	fmt.Fprintf(&b, "\n<!-- error-hash: %s -->\n", bug.Error.Hash)
	return b.String()
}
