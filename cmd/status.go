// File: cmd/status.go
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vigilhq/vigil/internal/learning"
	"github.com/vigilhq/vigil/internal/observability"
	"github.com/vigilhq/vigil/internal/schemas"
	"github.com/vigilhq/vigil/internal/storage"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted state of the last or current daemon run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := storage.New(cfg.Storage.DataDir, observability.GetLogger())
			if err != nil {
				return err
			}

			var state schemas.DaemonState
			if err := store.Load("daemon-state", &state); err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintln(cmd.OutOrStdout(), "No daemon state recorded yet.")
					return nil
				}
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Running:         %v\n", state.Running)
			fmt.Fprintf(out, "Cycle:           %d\n", state.Cycle)
			fmt.Fprintf(out, "Phase:           %s\n", state.Phase)
			fmt.Fprintf(out, "Queue depth:     %d\n", state.QueueDepth)
			fmt.Fprintf(out, "In-flight fixes: %d\n", state.InFlightFixes)
			fmt.Fprintf(out, "Started:         %s\n", state.StartedAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "Updated:         %s\n", state.UpdatedAt.Format("2006-01-02 15:04:05"))
			if len(state.Errors) > 0 {
				fmt.Fprintf(out, "Recent errors:\n")
				for _, e := range state.Errors {
					fmt.Fprintf(out, "  - %s\n", e)
				}
			}
			return nil
		},
	}
}

func newPatternsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "patterns",
		Short: "List learned fix patterns with their success rates.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			store, err := storage.New(cfg.Storage.DataDir, logger)
			if err != nil {
				return err
			}
			learner, err := learning.New(logger, cfg.Learning, store)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			patterns := learner.Patterns()
			if len(patterns) == 0 {
				fmt.Fprintln(out, "No fix patterns recorded.")
				return nil
			}
			for _, p := range patterns {
				fmt.Fprintf(out, "%-38s  rate %.2f  used %3d  type %-10s  %s\n",
					p.ID, p.SuccessRate, p.TimesUsed, p.ErrorType, p.Template.Description)
			}
			return nil
		},
	}
}
