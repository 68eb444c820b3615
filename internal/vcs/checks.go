// File: internal/vcs/checks.go
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vigilhq/vigil/internal/config"
)

// CheckResult is the outcome of one gate command.
type CheckResult struct {
	Name     string
	Passed   bool
	Output   string
	Duration time.Duration
}

// CheckRunner executes the project's configured gate commands (typecheck,
// tests, build) inside the project checkout with a hard timeout each.
type CheckRunner struct {
	logger *zap.Logger
	cfg    config.FixerConfig
	dir    string
}

// NewCheckRunner builds a runner bound to the project root.
func NewCheckRunner(logger *zap.Logger, cfg config.FixerConfig, projectRoot string) *CheckRunner {
	return &CheckRunner{
		logger: logger.Named("checks"),
		cfg:    cfg,
		dir:    projectRoot,
	}
}

func (c *CheckRunner) Typecheck(ctx context.Context) CheckResult {
	return c.run(ctx, "typecheck", c.cfg.TypecheckCommand)
}

func (c *CheckRunner) Test(ctx context.Context) CheckResult {
	return c.run(ctx, "test", c.cfg.TestCommand)
}

func (c *CheckRunner) Build(ctx context.Context) CheckResult {
	return c.run(ctx, "build", c.cfg.BuildCommand)
}

// run executes one gate command through the shell. An unconfigured command
// fails closed rather than passing silently.
func (c *CheckRunner) run(ctx context.Context, name, command string) CheckResult {
	if strings.TrimSpace(command) == "" {
		return CheckResult{
			Name:   name,
			Passed: false,
			Output: fmt.Sprintf("no %s command configured", name),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = c.dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := CheckResult{
		Name:     name,
		Passed:   err == nil,
		Output:   tailOf(out.String(), 8192),
		Duration: time.Since(start),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.Output = fmt.Sprintf("%s timed out after %s\n%s", name, c.cfg.CheckTimeout, res.Output)
	}

	c.logger.Info("Gate command finished.",
		zap.String("check", name),
		zap.Bool("passed", res.Passed),
		zap.Duration("duration", res.Duration))
	return res
}

// tailOf keeps the end of a command's output, where the failure usually is.
func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
