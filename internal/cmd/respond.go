package cmd

import (
	"fmt"
	"io/fs"
	"time"

	"github.com/Iron-Ham/stageflow/internal/config"
	"github.com/Iron-Ham/stageflow/internal/errors"
	"github.com/Iron-Ham/stageflow/internal/notify"
	"github.com/Iron-Ham/stageflow/internal/workflow"
	"github.com/spf13/cobra"
)

// respondSource is recorded on the gate when a response comes from this command.
const respondSource = "cli"

var respondCmd = &cobra.Command{
	Use:   "respond <workflow> <run-id> <from>_to_<to> <approve|reject|skip|edit|extend>",
	Short: "Answer a notify gate",
	Long: `Respond writes an answer for a notify gate through the file channel. A run
waiting on the gate picks it up immediately; otherwise the answer is kept
until the run is resumed.

  approve  continue with the next stage (--message is kept as a note)
  reject   cancel the run (--message is the reason)
  skip     skip the next stage
  edit     stop so the previous stage's output can be revised
  extend   wait longer (--duration, default 1h)`,
	Args: cobra.ExactArgs(4),
	RunE: runRespond,
}

var (
	respondMessage  string
	respondDuration time.Duration
	respondForce    bool
)

func init() {
	rootCmd.AddCommand(respondCmd)
	respondCmd.Flags().StringVarP(&respondMessage, "message", "m", "", "Approval note or rejection reason")
	respondCmd.Flags().DurationVar(&respondDuration, "duration", time.Hour, "How much longer to wait (extend only)")
	respondCmd.Flags().BoolVar(&respondForce, "force", false, "Write the response even if no request is pending")
}

// buildResponse turns the action argument and flags into a response.
func buildResponse(action, message string, d time.Duration) (notify.Response, error) {
	kind, err := notify.ParseResponseKind(action)
	if err != nil {
		return notify.Response{}, errors.NewConfigError("invalid response", err)
	}
	switch kind {
	case notify.ResponseApprove:
		return notify.Approve(respondSource, message), nil
	case notify.ResponseReject:
		return notify.Reject(respondSource, message), nil
	case notify.ResponseSkip:
		return notify.Skip(respondSource), nil
	case notify.ResponseEdit:
		return notify.Edit(respondSource), nil
	default:
		if d <= 0 {
			return notify.Response{}, errors.NewConfigError("--duration must be positive", nil).WithField("duration")
		}
		return notify.ExtendTimeout(respondSource, d), nil
	}
}

func runRespond(cmd *cobra.Command, args []string) error {
	name, runID, gateKey, action := args[0], args[1], args[2], args[3]

	if _, _, ok := workflow.ParseGateKey(gateKey); !ok {
		return errors.NewConfigError(fmt.Sprintf("invalid gate %q: want FROM_to_TO", gateKey), nil)
	}
	resp, err := buildResponse(action, respondMessage, respondDuration)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dir := cfg.ResponseDir()

	out := cmd.OutOrStdout()
	req, err := notify.ReadRequest(dir, name, runID, gateKey)
	switch {
	case err == nil:
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Request:"), req.Title())
	case errors.Is(err, fs.ErrNotExist):
		if !respondForce {
			return fmt.Errorf("no pending request for %s in run %s of %s (use --force to answer ahead of time)", gateKey, runID, name)
		}
	default:
		return err
	}

	path, err := notify.WriteResponse(dir, name, runID, gateKey, resp)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s written to %s\n", okStyle.Render("✓"), resp.Kind, path)
	return nil
}

