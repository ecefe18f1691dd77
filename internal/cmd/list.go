package cmd

import (
	"fmt"
	"io"

	"github.com/Iron-Ham/stageflow/internal/state"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list [workflow]",
	Short: "List runs, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	runs, err := a.store.List(cmd.Context(), name)
	if err != nil {
		return err
	}

	renderRunList(cmd.OutOrStdout(), runs, termWidth())
	return nil
}

func renderRunList(out io.Writer, runs []*state.RunState, width int) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found")
		return
	}
	t := &table{header: []string{"WORKFLOW", "RUN", "STATUS", "STAGES", "STARTED", "CURRENT"}}
	for _, r := range runs {
		t.add(
			r.Workflow,
			r.ID,
			runStatusStyle(r.Status).Render(string(r.Status)),
			fmt.Sprintf("%d/%d", r.Completed(), len(r.StageOrder)),
			formatTime(&r.StartedAt),
			r.CurrentStage,
		)
	}
	fmt.Fprint(out, t.render(width))
}
