// File: cmd/run.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vigilhq/vigil/internal/assistant"
	"github.com/vigilhq/vigil/internal/collector"
	"github.com/vigilhq/vigil/internal/daemon"
	"github.com/vigilhq/vigil/internal/deploy"
	"github.com/vigilhq/vigil/internal/diagnostics"
	"github.com/vigilhq/vigil/internal/explorer"
	"github.com/vigilhq/vigil/internal/fixer"
	"github.com/vigilhq/vigil/internal/health"
	"github.com/vigilhq/vigil/internal/learning"
	"github.com/vigilhq/vigil/internal/observability"
	"github.com/vigilhq/vigil/internal/rollback"
	"github.com/vigilhq/vigil/internal/storage"
	"github.com/vigilhq/vigil/internal/tracker"
	"github.com/vigilhq/vigil/internal/vcs"
)

func newRunCommand() *cobra.Command {
	var (
		dryRun    bool
		maxCycles int
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the monitor-diagnose-fix-verify daemon against the configured target.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("dry-run") {
				cfg.Daemon.DryRun = dryRun
			}
			if cmd.Flags().Changed("max-cycles") {
				cfg.Daemon.MaxCycles = maxCycles
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx := cmd.Context()
			logger := observability.GetLogger()
			defer observability.Sync()

			store, err := storage.New(cfg.Storage.DataDir, logger)
			if err != nil {
				return err
			}

			events := make(chan collector.PageEvent, 256)
			col := collector.New(logger, cfg.Collector)
			ex := explorer.New(logger, cfg.Explorer, cfg.Target.BaseURL, events)

			if cfg.Target.ServerLog != "" {
				watcher, err := collector.NewLogWatcher(logger, cfg.Target.ServerLog, cfg.Target.BaseURL, events)
				if err != nil {
					return err
				}
				if err := watcher.Start(ctx); err != nil {
					return fmt.Errorf("failed to start server log watcher: %w", err)
				}
			}

			learner, err := learning.New(logger, cfg.Learning, store)
			if err != nil {
				return err
			}
			engine := diagnostics.New(logger, cfg.Target.ProjectRoot, learner)

			repo, err := vcs.Open(logger, cfg.Target, cfg.Fixer)
			if err != nil {
				return err
			}
			checks := vcs.NewCheckRunner(logger, cfg.Fixer, cfg.Target.ProjectRoot)
			deployer := deploy.New(logger, cfg.Deploy, cfg.Target.ProjectRoot)
			checker := health.New(logger, cfg.Health)
			supervisor := rollback.New(logger, cfg.Rollback, store, repo, deployer, checker)

			var llm assistant.LLMClient
			if cfg.Assistant.Enabled {
				llm, err = assistant.NewGeminiClient(ctx, cfg.Assistant)
				if err != nil {
					return fmt.Errorf("failed to initialize assistant: %w", err)
				}
				defer llm.Close()
			}
			asst := assistant.New(logger, cfg.Assistant, llm)
			issues := tracker.New(logger, cfg.Tracker, store)

			// The gate-revision loop only runs with a model behind it.
			var reviser fixer.Reviser
			if llm != nil {
				reviser = fixer.NewLLMReviser(logger, cfg.Target.ProjectRoot, llm)
			}
			pipeline := fixer.New(logger, cfg.Fixer, cfg.Target.ProjectRoot, repo, checks, deployer, reviser, checker)

			d := daemon.New(logger, cfg, daemon.Deps{
				Store:      store,
				Collector:  col,
				Events:     events,
				Explorer:   ex,
				Diagnoser:  engine,
				Fixer:      pipeline,
				Supervisor: supervisor,
				Assistant:  asst,
				Tracker:    issues,
				Learner:    learner,
			})

			logger.Info("Daemon configured.",
				zap.String("target", cfg.Target.BaseURL),
				zap.Bool("dry_run", cfg.Daemon.DryRun),
				zap.Int("max_cycles", cfg.Daemon.MaxCycles))
			return d.Run(ctx)
		},
	}

	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "diagnose and report but never touch the repository")
	runCmd.Flags().IntVar(&maxCycles, "max-cycles", 0, "stop after this many cycles (0 runs until interrupted)")
	return runCmd
}
