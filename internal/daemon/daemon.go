// File: internal/daemon/daemon.go
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vigilhq/vigil/internal/collector"
	"github.com/vigilhq/vigil/internal/config"
	"github.com/vigilhq/vigil/internal/schemas"
	"github.com/vigilhq/vigil/internal/storage"
)

// Explorer drives one discovery pass over the target application.
type Explorer interface {
	Explore(ctx context.Context) error
}

// Diagnoser maps captured errors to diagnosed bugs.
type Diagnoser interface {
	Analyze(e schemas.CapturedError) schemas.DiagnosedBug
	GenerateFix(e schemas.CapturedError) schemas.FixOutcome
}

// FixPipeline attempts one end-to-end automated fix.
type FixPipeline interface {
	AttemptFix(ctx context.Context, bug schemas.DiagnosedBug) (*schemas.FixResult, error)
}

// DeploySupervisor watches a deployed fix and owns the circuit breaker.
type DeploySupervisor interface {
	MonitorDeployment(ctx context.Context, result *schemas.FixResult) (bool, error)
	ShouldPauseAutomation(ctx context.Context) bool
}

// Escalator hands a bug to human or AI-assisted review.
type Escalator interface {
	Escalate(ctx context.Context, bug schemas.DiagnosedBug, reason string) error
}

// IssueFiler opens an external tracker issue for a bug.
type IssueFiler interface {
	FileIssue(ctx context.Context, bug schemas.DiagnosedBug) (int, error)
}

// PatternLearner folds fix outcomes back into the pattern store.
type PatternLearner interface {
	LearnFromSuccess(bug schemas.DiagnosedBug, fix schemas.SuggestedFix) error
	LearnFromFailure(bug schemas.DiagnosedBug) error
	PruneUnusedPatterns() (int, error)
	PruneLowSuccessPatterns() (int, error)
}

// Daemon runs the autonomous find-diagnose-fix-verify cycle. It is the only
// writer of its state; everything observable leaves as a copy.
type Daemon struct {
	logger    *zap.Logger
	cfg       *config.Config
	store     *storage.Store
	collector *collector.Collector
	events    chan collector.PageEvent

	explorer   Explorer
	diagnoser  Diagnoser
	fixer      FixPipeline
	supervisor DeploySupervisor
	assistant  Escalator
	tracker    IssueFiler
	learner    PatternLearner

	mu    sync.Mutex
	state schemas.DaemonState
	// bugs holds every diagnosed bug this session, keyed by error hash so a
	// recurring error never mints a second bug.
	bugs map[string]*schemas.DiagnosedBug
}

// Deps bundles the daemon's collaborators.
type Deps struct {
	Store      *storage.Store
	Collector  *collector.Collector
	Events     chan collector.PageEvent
	Explorer   Explorer
	Diagnoser  Diagnoser
	Fixer      FixPipeline
	Supervisor DeploySupervisor
	Assistant  Escalator
	Tracker    IssueFiler
	Learner    PatternLearner
}

// New assembles a daemon.
func New(logger *zap.Logger, cfg *config.Config, deps Deps) *Daemon {
	return &Daemon{
		logger:     logger.Named("daemon"),
		cfg:        cfg,
		store:      deps.Store,
		collector:  deps.Collector,
		events:     deps.Events,
		explorer:   deps.Explorer,
		diagnoser:  deps.Diagnoser,
		fixer:      deps.Fixer,
		supervisor: deps.Supervisor,
		assistant:  deps.Assistant,
		tracker:    deps.Tracker,
		learner:    deps.Learner,
		bugs:       make(map[string]*schemas.DiagnosedBug),
	}
}

// Run executes cycles until the context ends or the configured cycle cap is
// reached. A panic or error inside one phase is caught and recorded; the
// daemon carries on with the next cycle.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	d.state.Running = true
	d.state.StartedAt = time.Now()
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.state.Running = false
		d.mu.Unlock()
	}()

	go d.ingestLoop(ctx)

	for cycle := 1; d.cfg.Daemon.MaxCycles == 0 || cycle <= d.cfg.Daemon.MaxCycles; cycle++ {
		select {
		case <-ctx.Done():
			d.logger.Info("Daemon stopping.", zap.Int("completed_cycles", cycle-1))
			return ctx.Err()
		default:
		}

		d.mu.Lock()
		d.state.Cycle = cycle
		d.mu.Unlock()

		d.logger.Info("Starting cycle.", zap.Int("cycle", cycle))
		d.runCycle(ctx, cycle)

		if err := d.coolDown(ctx); err != nil {
			return err
		}
	}

	d.logger.Info("Cycle cap reached, daemon exiting.")
	return nil
}

// ingestLoop feeds every page event into the collector for the lifetime of
// the daemon. Dedup state lives in the collector and survives cycles.
func (d *Daemon) ingestLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			d.collector.Ingest(ev)
		}
	}
}

func (d *Daemon) runCycle(ctx context.Context, cycle int) {
	report := newCycleReport(cycle)
	defer func() {
		if r := recover(); r != nil {
			d.recordError(fmt.Sprintf("cycle %d panicked: %v", cycle, r))
			d.logger.Error("Cycle panicked.", zap.Int("cycle", cycle), zap.Any("panic", r))
		}
		d.reportingPhase(report)
	}()

	paused := d.supervisor.ShouldPauseAutomation(ctx)
	if paused {
		d.logger.Warn("Automation paused; discovery continues, fixing is suspended.")
		report.AutomationPaused = true
	}

	d.discoveryPhase(ctx, report)
	d.diagnosisPhase(ctx, report)

	if !paused {
		d.fixingPhase(ctx, report)
	}
}

func (d *Daemon) setPhase(p schemas.Phase) {
	d.mu.Lock()
	d.state.Phase = p
	d.state.UpdatedAt = time.Now()
	d.state.QueueDepth = d.pendingCountLocked()
	state := d.state
	d.mu.Unlock()

	if err := d.store.Save("daemon-state", state); err != nil {
		d.logger.Warn("Failed to persist daemon state.", zap.Error(err))
	}
}

func (d *Daemon) pendingCountLocked() int {
	n := 0
	for _, b := range d.bugs {
		if b.FixStatus == schemas.FixStatusPending {
			n++
		}
	}
	return n
}

// State returns a copy of the daemon's current state.
func (d *Daemon) State() schemas.DaemonState {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.state
	s.QueueDepth = d.pendingCountLocked()
	return s
}

func (d *Daemon) recordError(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.Errors = append(d.state.Errors, msg)
	if len(d.state.Errors) > 50 {
		d.state.Errors = d.state.Errors[len(d.state.Errors)-50:]
	}
}

// coolDown waits out the configured cooldown, waking periodically so a
// cancelled context is honored promptly.
func (d *Daemon) coolDown(ctx context.Context) error {
	d.setPhase(schemas.PhaseCooldown)

	interval := d.cfg.Daemon.PauseCheckEvery
	if interval <= 0 || interval > d.cfg.Daemon.Cooldown {
		interval = d.cfg.Daemon.Cooldown
	}

	deadline := time.Now().Add(d.cfg.Daemon.Cooldown)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
