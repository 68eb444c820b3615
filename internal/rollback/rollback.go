// File: internal/rollback/rollback.go
package rollback

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/vigilhq/vigil/internal/config"
	"github.com/vigilhq/vigil/internal/schemas"
	"github.com/vigilhq/vigil/internal/storage"
)

const (
	rollbackLogDoc  = "rollback-log"
	stableDeployDoc = "stable-deploys"
)

// Reverter undoes a trunk commit. Implemented by the vcs package.
type Reverter interface {
	Revert(ctx context.Context, commit string) error
}

// Deployer ships the current trunk.
type Deployer interface {
	Deploy(ctx context.Context) error
}

// HealthProbe reports whether the target is up and samples its counters.
type HealthProbe interface {
	Check(ctx context.Context) error
	Metrics(ctx context.Context) (schemas.HealthMetrics, error)
}

// Supervisor watches a freshly deployed fix and reverts it when production
// degrades. A degraded window triggers at most one rollback; repeated
// rollbacks inside the breaker window pause all automation.
type Supervisor struct {
	logger   *zap.Logger
	cfg      config.RollbackConfig
	store    *storage.Store
	vcs      Reverter
	deployer Deployer
	health   HealthProbe
}

// New builds a deployment supervisor.
func New(logger *zap.Logger, cfg config.RollbackConfig, store *storage.Store, vcs Reverter, deployer Deployer, health HealthProbe) *Supervisor {
	return &Supervisor{
		logger:   logger.Named("rollback"),
		cfg:      cfg,
		store:    store,
		vcs:      vcs,
		deployer: deployer,
		health:   health,
	}
}

// MonitorDeployment supervises one deployed fix for the full monitoring
// window. It returns true when the deployment survived, false when it was
// rolled back. The comparison baseline is the pre-deploy sample carried on
// the result; sampling here would measure the deploy's own fallout and read
// a degraded target as its own baseline. A health-probe failure or an error
// rate above the baseline threshold triggers the rollback; response-time
// regressions are logged but never trigger on their own.
func (s *Supervisor) MonitorDeployment(ctx context.Context, result *schemas.FixResult) (bool, error) {
	var baseline schemas.HealthMetrics
	if result.Baseline != nil {
		baseline = *result.Baseline
	} else {
		s.logger.Warn("No pre-deploy baseline on the fix result, monitoring on probes only.",
			zap.String("fix_id", result.ID))
	}

	s.logger.Info("Monitoring deployment.",
		zap.String("fix_id", result.ID),
		zap.Duration("window", s.cfg.MonitorWindow),
		zap.Float64("baseline_error_rate", baseline.ErrorRate))

	deadline := time.Now().Add(s.cfg.MonitorWindow)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}

		if reason := s.evaluate(ctx, baseline); reason != "" {
			if err := s.Rollback(ctx, result, reason); err != nil {
				return false, fmt.Errorf("rollback failed after degradation: %w", err)
			}
			return false, nil
		}
	}

	if err := s.recordStable(result); err != nil {
		s.logger.Warn("Failed to record stable deployment.", zap.Error(err))
	}
	s.logger.Info("Deployment survived its monitoring window.", zap.String("fix_id", result.ID))
	return true, nil
}

// evaluate samples production health once. A non-empty return is the
// rollback reason.
func (s *Supervisor) evaluate(ctx context.Context, baseline schemas.HealthMetrics) string {
	if err := s.health.Check(ctx); err != nil {
		return fmt.Sprintf("health probe failed: %v", err)
	}

	current, err := s.health.Metrics(ctx)
	if err != nil {
		s.logger.Warn("Metrics sample failed during monitoring.", zap.Error(err))
		return ""
	}

	if baseline.ErrorRate > 0 && current.ErrorRate > baseline.ErrorRate*s.cfg.ErrorRateMultiplier {
		return fmt.Sprintf("error rate %.4f exceeds %.1fx baseline %.4f",
			current.ErrorRate, s.cfg.ErrorRateMultiplier, baseline.ErrorRate)
	}
	if baseline.ErrorRate == 0 && current.ErrorRate > 0.05 {
		return fmt.Sprintf("error rate %.4f appeared against a zero baseline", current.ErrorRate)
	}

	if baseline.ResponseTimeMs > 0 && current.ResponseTimeMs > baseline.ResponseTimeMs*2 {
		s.logger.Warn("Response time regression observed, not rolling back.",
			zap.Float64("baseline_ms", baseline.ResponseTimeMs),
			zap.Float64("current_ms", current.ResponseTimeMs))
	}
	return ""
}

// Rollback reverts the fix's merge commit on trunk, redeploys, and appends
// to the audit log.
func (s *Supervisor) Rollback(ctx context.Context, result *schemas.FixResult, reason string) error {
	s.logger.Warn("Rolling back deployment.",
		zap.String("fix_id", result.ID),
		zap.String("merge_commit", result.MergeCommit),
		zap.String("reason", reason))

	if err := s.vcs.Revert(ctx, result.MergeCommit); err != nil {
		return fmt.Errorf("failed to revert merge commit: %w", err)
	}
	if err := s.deployer.Deploy(ctx); err != nil {
		return fmt.Errorf("failed to redeploy after revert: %w", err)
	}

	entry := schemas.RollbackEntry{
		FixID:     result.ID,
		BugID:     result.BugID,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	if err := s.appendRollback(entry); err != nil {
		return fmt.Errorf("failed to record rollback: %w", err)
	}
	return nil
}

// ShouldPauseAutomation reports whether automation must stand down: either
// enough recent rollbacks occurred to trip the circuit breaker, or the
// target is failing its liveness probes right now.
func (s *Supervisor) ShouldPauseAutomation(ctx context.Context) bool {
	if err := s.health.Check(ctx); err != nil {
		s.logger.Error("Health probes failing, pausing automation.", zap.Error(err))
		return true
	}

	entries, err := s.loadRollbacks()
	if err != nil {
		s.logger.Warn("Failed to load rollback log for breaker check.", zap.Error(err))
		// Unreadable history must not silently keep automation running.
		return true
	}

	cutoff := time.Now().Add(-s.cfg.BreakerWindow)
	recent := 0
	for _, e := range entries {
		if e.Timestamp.After(cutoff) {
			recent++
		}
	}
	if recent >= s.cfg.BreakerThreshold {
		s.logger.Error("Circuit breaker tripped, pausing automation.",
			zap.Int("recent_rollbacks", recent),
			zap.Duration("window", s.cfg.BreakerWindow))
		return true
	}
	return false
}

// RecentRollbacks returns the audit entries inside the breaker window.
func (s *Supervisor) RecentRollbacks() []schemas.RollbackEntry {
	entries, err := s.loadRollbacks()
	if err != nil {
		return nil
	}
	cutoff := time.Now().Add(-s.cfg.BreakerWindow)
	out := entries[:0]
	for _, e := range entries {
		if e.Timestamp.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Supervisor) appendRollback(entry schemas.RollbackEntry) error {
	entries, err := s.loadRollbacks()
	if err != nil {
		return err
	}
	return s.store.Save(rollbackLogDoc, append(entries, entry))
}

func (s *Supervisor) loadRollbacks() ([]schemas.RollbackEntry, error) {
	var entries []schemas.RollbackEntry
	if err := s.store.Load(rollbackLogDoc, &entries); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return entries, nil
}

func (s *Supervisor) recordStable(result *schemas.FixResult) error {
	var entries []schemas.StableDeployEntry
	if err := s.store.Load(stableDeployDoc, &entries); err != nil && !os.IsNotExist(err) {
		return err
	}
	entries = append(entries, schemas.StableDeployEntry{
		FixID:     result.ID,
		BugID:     result.BugID,
		Timestamp: time.Now(),
	})
	return s.store.Save(stableDeployDoc, entries)
}
