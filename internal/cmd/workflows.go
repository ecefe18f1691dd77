package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/Iron-Ham/stageflow/internal/config"
	"github.com/Iron-Ham/stageflow/internal/workflow"
	"github.com/spf13/cobra"
)

var workflowsCmd = &cobra.Command{
	Use:     "workflows [name]",
	Aliases: []string{"wf"},
	Short:   "List configured workflows",
	Long: `List the workflows defined inline in the config file and in the workflows
directory. With a name, print that workflow's definition as YAML.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWorkflows,
}

func init() {
	rootCmd.AddCommand(workflowsCmd)
}

func runWorkflows(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	all, err := cfg.LoadWorkflows()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		w, ok := all[args[0]]
		if !ok {
			return fmt.Errorf("no workflow named %q is configured", args[0])
		}
		data, err := workflow.Marshal(w)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}

	renderWorkflowList(out, all, termWidth())
	return nil
}

func renderWorkflowList(out io.Writer, all map[string]*workflow.Workflow, width int) {
	if len(all) == 0 {
		fmt.Fprintln(out, "No workflows configured")
		return
	}
	t := &table{header: []string{"WORKFLOW", "STAGES", "GATES", "DESCRIPTION"}}
	for _, name := range workflow.SortedNames(all) {
		w := all[name]
		t.add(name, strings.Join(w.StageNames(), " → "), gateSummary(w), w.Description)
	}
	fmt.Fprint(out, t.render(width))
}

// gateSummary lists the non-auto gates, e.g. "plan:manual".
func gateSummary(w *workflow.Workflow) string {
	var parts []string
	for i, s := range w.Stages {
		if i == len(w.Stages)-1 {
			break
		}
		if t := s.Gate.EffectiveType(); t != workflow.GateAuto {
			parts = append(parts, s.Name+":"+string(t))
		}
	}
	if len(parts) == 0 {
		return mutedStyle.Render("auto")
	}
	return strings.Join(parts, " ")
}
