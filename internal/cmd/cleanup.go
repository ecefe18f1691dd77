package cmd

import (
	"fmt"

	"github.com/Iron-Ham/stageflow/internal/errors"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <workflow>",
	Short: "Delete old runs of a workflow",
	Long: `Cleanup keeps the N most recently started runs of a workflow and deletes
the state of the rest. Runs currently held by a live stageflow process are
never deleted.

Use --dry-run to see what would be deleted without making changes.`,
	Args: cobra.ExactArgs(1),
	RunE: runCleanup,
}

var (
	cleanupKeep   int
	cleanupDryRun bool
)

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().IntVar(&cleanupKeep, "keep", 10, "Number of most recent runs to keep")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be deleted without making changes")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if cleanupKeep < 0 {
		return errors.NewConfigError("--keep must be non-negative", nil)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	name := args[0]
	out := cmd.OutOrStdout()

	if cleanupDryRun {
		runs, err := a.store.List(cmd.Context(), name)
		if err != nil {
			return err
		}
		if len(runs) <= cleanupKeep {
			fmt.Fprintf(out, "Nothing to clean up: %d run(s), keeping %d\n", len(runs), cleanupKeep)
			return nil
		}
		fmt.Fprintf(out, "Would delete %d run(s):\n", len(runs)-cleanupKeep)
		for _, r := range runs[cleanupKeep:] {
			fmt.Fprintf(out, "  %s  %s  %s\n", r.ID, runStatusStyle(r.Status).Render(string(r.Status)), formatTime(&r.StartedAt))
		}
		return nil
	}

	removed, err := a.store.Cleanup(cmd.Context(), name, cleanupKeep)
	if err != nil {
		return errors.Wrapf(err, "cleanup failed after removing %d run(s)", removed)
	}
	fmt.Fprintf(out, "Removed %d run(s) of %s, kept up to %d\n", removed, name, cleanupKeep)
	return nil
}
