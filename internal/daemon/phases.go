// File: internal/daemon/phases.go
package daemon

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/vigilhq/vigil/internal/schemas"
)

func (d *Daemon) discoveryPhase(ctx context.Context, report *CycleReport) {
	d.setPhase(schemas.PhaseDiscovery)

	if err := d.explorer.Explore(ctx); err != nil {
		d.recordError(fmt.Sprintf("discovery failed: %v", err))
		d.logger.Error("Discovery phase failed.", zap.Error(err))
	}
	report.ErrorsCaptured = len(d.collector.Snapshot())
}

// diagnosisPhase diagnoses every captured error that has no bug yet and
// returns the newly minted bugs.
func (d *Daemon) diagnosisPhase(ctx context.Context, report *CycleReport) []*schemas.DiagnosedBug {
	d.setPhase(schemas.PhaseDiagnosis)

	var fresh []*schemas.DiagnosedBug
	for _, e := range d.collector.Snapshot() {
		d.mu.Lock()
		_, known := d.bugs[e.Hash]
		d.mu.Unlock()
		if known {
			continue
		}

		bug := d.diagnoser.Analyze(e)
		d.mu.Lock()
		d.bugs[e.Hash] = &bug
		d.mu.Unlock()
		fresh = append(fresh, &bug)
	}

	report.BugsDiagnosed = len(fresh)
	d.logger.Info("Diagnosis finished.", zap.Int("new_bugs", len(fresh)))
	return fresh
}

// fixingPhase works the pending queue in priority order. At most the
// configured number of fixes run per cycle, and each deploy is supervised to
// a verdict before the next fix begins, so trunk never carries more than one
// unverified merge.
func (d *Daemon) fixingPhase(ctx context.Context, report *CycleReport) {
	d.setPhase(schemas.PhaseFixing)

	pending := d.pendingBugs()
	sortByPriority(pending)

	attempted := 0
	for _, bug := range pending {
		if attempted >= d.cfg.Daemon.MaxFixesPerCycle {
			break
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		if reason := d.escalationReason(bug); reason != "" {
			d.escalate(ctx, bug, reason)
			report.Escalations++
			continue
		}

		if d.cfg.Daemon.DryRun {
			d.logger.Info("Dry run: would attempt fix.",
				zap.String("bug_id", bug.ID),
				zap.String("title", bug.Title))
			bug.FixStatus = schemas.FixStatusSkipped
			continue
		}

		bug.FixStatus = schemas.FixStatusInProgress
		bug.FixAttempts++
		d.mu.Lock()
		d.state.InFlightFixes++
		d.mu.Unlock()

		result, err := d.fixer.AttemptFix(ctx, *bug)
		d.mu.Lock()
		d.state.InFlightFixes--
		d.mu.Unlock()

		if err != nil {
			d.recordError(fmt.Sprintf("fix attempt for %s: %v", bug.ID, err))
		}
		if result == nil {
			d.handleFailedAttempt(ctx, bug)
			continue
		}
		attempted++
		report.FixesAttempted++

		if !result.Success {
			report.Results = append(report.Results, *result)
			d.handleFailedAttempt(ctx, bug)
			continue
		}

		d.verifyDeployment(ctx, bug, result, report)
		d.setPhase(schemas.PhaseFixing)
	}
}

// verifyDeployment supervises one deployed fix to a stable-or-rolled-back
// verdict and folds the outcome into the learning store.
func (d *Daemon) verifyDeployment(ctx context.Context, bug *schemas.DiagnosedBug, result *schemas.FixResult, report *CycleReport) {
	d.setPhase(schemas.PhaseVerification)

	stable, err := d.supervisor.MonitorDeployment(ctx, result)
	if err != nil {
		d.recordError(fmt.Sprintf("monitoring fix %s: %v", result.ID, err))
	}

	if stable {
		result.ProductionVerified = true
		report.FixesVerified++
		now := time.Now()
		bug.FixStatus = schemas.FixStatusFixed
		bug.FixedAt = &now
		if bug.Fix != nil {
			if err := d.learner.LearnFromSuccess(*bug, *bug.Fix); err != nil {
				d.logger.Warn("Failed to record fix success.", zap.Error(err))
			}
		}
	} else {
		result.Status = schemas.FixStatusRolledBack
		report.FixesRolledBack++
		bug.FixStatus = schemas.FixStatusRolledBack
		if err := d.learner.LearnFromFailure(*bug); err != nil {
			d.logger.Warn("Failed to record fix failure.", zap.Error(err))
		}
		d.escalate(ctx, bug, "fix was rolled back after production degradation")
	}
	report.Results = append(report.Results, *result)
}

func (d *Daemon) reportingPhase(report *CycleReport) {
	d.setPhase(schemas.PhaseReporting)

	report.FinishedAt = time.Now()
	if err := d.store.Save(fmt.Sprintf("reports/cycle-%06d", report.Cycle), report); err != nil {
		d.logger.Warn("Failed to persist cycle report.", zap.Error(err))
	}

	d.mu.Lock()
	bugs := make([]*schemas.DiagnosedBug, 0, len(d.bugs))
	for _, b := range d.bugs {
		bugs = append(bugs, b)
	}
	d.mu.Unlock()

	for _, b := range bugs {
		if err := d.store.Save(fmt.Sprintf("bugs/%s", b.ID), b); err != nil {
			d.logger.Warn("Failed to persist bug.", zap.String("bug_id", b.ID), zap.Error(err))
		}
	}

	if _, err := d.learner.PruneUnusedPatterns(); err != nil {
		d.logger.Warn("Pattern age pruning failed.", zap.Error(err))
	}
	if _, err := d.learner.PruneLowSuccessPatterns(); err != nil {
		d.logger.Warn("Pattern quality pruning failed.", zap.Error(err))
	}

	d.logger.Info("Cycle report.",
		zap.Int("cycle", report.Cycle),
		zap.Int("errors_captured", report.ErrorsCaptured),
		zap.Int("bugs_diagnosed", report.BugsDiagnosed),
		zap.Int("fixes_attempted", report.FixesAttempted),
		zap.Int("fixes_verified", report.FixesVerified),
		zap.Int("fixes_rolled_back", report.FixesRolledBack),
		zap.Int("escalations", report.Escalations))
}

// escalationReason decides whether a bug must bypass the automatic fixer.
// An empty return means the bug is eligible.
func (d *Daemon) escalationReason(bug *schemas.DiagnosedBug) string {
	if bug.RootCause.Type == schemas.RootCauseDatabase {
		return "root cause involves the database"
	}
	if bug.RootCause.Confidence < d.cfg.Fixer.MinConfidence {
		return fmt.Sprintf("diagnosis confidence %.2f below threshold %.2f",
			bug.RootCause.Confidence, d.cfg.Fixer.MinConfidence)
	}
	if bug.Fix == nil || len(bug.Fix.Changes) == 0 {
		return "no concrete fix available"
	}
	if bug.Fix.Risk == "high" {
		return "suggested fix is high risk"
	}
	if d.cfg.Daemon.EscalateCriticals && bug.Severity == schemas.SeverityCritical {
		return "critical severity routes to review by policy"
	}
	return ""
}

func (d *Daemon) escalate(ctx context.Context, bug *schemas.DiagnosedBug, reason string) {
	bug.FixStatus = schemas.FixStatusSkipped

	if err := d.assistant.Escalate(ctx, *bug, reason); err != nil {
		d.recordError(fmt.Sprintf("escalation for %s: %v", bug.ID, err))
	}
	if bug.Severity == schemas.SeverityCritical && d.tracker != nil {
		if _, err := d.tracker.FileIssue(ctx, *bug); err != nil {
			d.logger.Warn("Failed to file tracker issue.", zap.String("bug_id", bug.ID), zap.Error(err))
		}
	}
	d.logger.Info("Bug escalated.", zap.String("bug_id", bug.ID), zap.String("reason", reason))
}

// handleFailedAttempt requeues a bug until its attempt budget is exhausted,
// then escalates it.
func (d *Daemon) handleFailedAttempt(ctx context.Context, bug *schemas.DiagnosedBug) {
	if bug.FixAttempts >= d.cfg.Fixer.MaxFixAttempts {
		d.escalate(ctx, bug, fmt.Sprintf("fix failed %d times", bug.FixAttempts))
		return
	}
	bug.FixStatus = schemas.FixStatusPending
	if err := d.learner.LearnFromFailure(*bug); err != nil {
		d.logger.Warn("Failed to record attempt failure.", zap.Error(err))
	}
}

func (d *Daemon) pendingBugs() []*schemas.DiagnosedBug {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*schemas.DiagnosedBug, 0, len(d.bugs))
	for _, b := range d.bugs {
		if b.FixStatus == schemas.FixStatusPending {
			out = append(out, b)
		}
	}
	return out
}

// sortByPriority orders bugs by severity first, then by diagnosis
// confidence so the surest fix of the worst problem goes first.
func sortByPriority(bugs []*schemas.DiagnosedBug) {
	sort.SliceStable(bugs, func(i, j int) bool {
		ri, rj := bugs[i].Severity.Rank(), bugs[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		return bugs[i].RootCause.Confidence > bugs[j].RootCause.Confidence
	})
}
