// File: internal/deploy/deploy.go
package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/vigilhq/vigil/internal/config"
)

// Deployer runs the single deployment operation the pipeline knows: ship
// whatever trunk currently holds. There is no deploy-by-ref; rollback means
// reverting trunk and deploying again.
type Deployer struct {
	logger *zap.Logger
	cfg    config.DeployConfig
	dir    string
}

// New builds a deployer that runs the configured command in projectRoot.
func New(logger *zap.Logger, cfg config.DeployConfig, projectRoot string) *Deployer {
	return &Deployer{
		logger: logger.Named("deploy"),
		cfg:    cfg,
		dir:    projectRoot,
	}
}

// Deploy executes the deploy command with a hard timeout.
func (d *Deployer) Deploy(ctx context.Context) error {
	if d.cfg.Command == "" {
		return errors.New("no deploy command configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	d.logger.Info("Deploying trunk.", zap.String("command", d.cfg.Command))
	start := time.Now()

	cmd := exec.CommandContext(runCtx, "sh", "-c", d.cfg.Command)
	cmd.Dir = d.dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("deploy timed out after %s", d.cfg.Timeout)
		}
		return fmt.Errorf("deploy command failed: %w: %s", err, out.String())
	}

	d.logger.Info("Deploy finished.", zap.Duration("duration", time.Since(start)))
	return nil
}
