package cmd

import (
	"fmt"
	"io"

	"github.com/Iron-Ham/stageflow/internal/state"
	"github.com/Iron-Ham/stageflow/internal/util"
	"github.com/Iron-Ham/stageflow/internal/workflow"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <workflow> [run-id]",
	Short: "Show the stages and gates of a run",
	Long:  `Display the status of a run's stages and gates. Without a run id the most recent run of the workflow is shown.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runStatus,
}

var statusHandoff bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusHandoff, "handoff", false, "Print the latest handoff document")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	var rs *state.RunState
	if len(args) == 2 {
		rs, err = a.store.Load(ctx, args[0], args[1])
	} else {
		rs, err = a.store.FindLatest(ctx, args[0])
	}
	if err != nil {
		return err
	}

	renderStatus(cmd.OutOrStdout(), rs, termWidth())
	if statusHandoff {
		if h := latestHandoff(rs); h != "" {
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), h)
		}
	}
	return nil
}

// renderStatus writes the run header, a stage table and a gate table.
func renderStatus(out io.Writer, rs *state.RunState, width int) {
	fmt.Fprintf(out, "%s %s\n", titleStyle.Render(rs.Workflow), rs.ID)
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Status: "), runStatusStyle(rs.Status).Render(string(rs.Status)))
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Current:"), rs.CurrentStage)
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Started:"), formatTime(&rs.StartedAt))
	fmt.Fprintf(out, "%s %s\n\n", labelStyle.Render("Updated:"), formatTime(&rs.UpdatedAt))

	stages := &table{header: []string{"STAGE", "STATUS", "STARTED", "DURATION", "DETAIL"}}
	for _, name := range rs.StageOrder {
		s := rs.Stage(name)
		if s == nil {
			continue
		}
		detail := s.Error
		if detail == "" {
			detail = util.SingleLine(s.Handoff)
		}
		marker := " "
		if name == rs.CurrentStage {
			marker = "›"
		}
		stages.add(
			marker+name,
			stageStatusStyle(s.Status).Render(string(s.Status)),
			formatTime(s.StartedAt),
			formatDuration(stageDuration(s)),
			detail,
		)
	}
	fmt.Fprint(out, stages.render(width))

	if len(rs.Gates) == 0 {
		return
	}
	gates := &table{header: []string{"GATE", "STATUS", "METHOD", "RESOLVED", "MESSAGE"}}
	for i := 0; i+1 < len(rs.StageOrder); i++ {
		key := workflow.GateKey(rs.StageOrder[i], rs.StageOrder[i+1])
		g, ok := rs.Gates[key]
		if !ok {
			continue
		}
		gates.add(
			key,
			gateStatusStyle(g.Status).Render(string(g.Status)),
			g.Method,
			formatTime(g.ResolvedAt),
			util.SingleLine(g.Message),
		)
	}
	fmt.Fprintln(out)
	fmt.Fprint(out, gates.render(width))
}

// latestHandoff returns the handoff of the last stage that recorded one.
func latestHandoff(rs *state.RunState) string {
	for i := len(rs.StageOrder) - 1; i >= 0; i-- {
		if s := rs.Stage(rs.StageOrder[i]); s != nil && s.Handoff != "" {
			return s.Handoff
		}
	}
	return ""
}
