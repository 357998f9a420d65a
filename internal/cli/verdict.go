package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/crewd/internal/event"
)

var (
	verdictReasons []string
	verdictActions []string
	verdictHuman   bool
)

func init() {
	verdictCmd.Flags().StringArrayVar(&verdictReasons, "reason", nil, "Reason for the verdict (repeatable)")
	verdictCmd.Flags().StringArrayVar(&verdictActions, "action", nil, "Suggested follow-up action (repeatable)")
	verdictCmd.Flags().BoolVar(&verdictHuman, "human", false, "Record a HUMAN_VERDICT override instead of a watchdog verdict")
	rootCmd.AddCommand(verdictCmd)
}

var verdictCmd = &cobra.Command{
	Use:   "verdict <taskId> <runId> <PASS|WARN|BLOCK>",
	Short: "Record a verdict for a run",
	Long: `Watchdog verdicts gate run completion: PASS closes the run, WARN
escalates to human review, BLOCK halts the project on the next tick.
With --human the verdict is a HUMAN_VERDICT: a PASS override completes
a WARN-gated task with quality warn_override.`,
	Args: cobra.ExactArgs(3),
	RunE: runVerdict,
}

func runVerdict(cmd *cobra.Command, args []string) error {
	taskID, runID, verdict := args[0], args[1], args[2]
	switch verdict {
	case event.VerdictPass, event.VerdictWarn, event.VerdictBlock:
	default:
		return fmt.Errorf("invalid verdict %q (want PASS, WARN or BLOCK)", verdict)
	}

	orch, err := newOrchestrator()
	if err != nil {
		return err
	}

	etype := event.TypeWatchdogVerdict
	actor := "watchdog"
	if verdictHuman {
		etype = event.TypeHumanVerdict
		actor = "human"
	}

	ok, err := orch.ValidateIncoming(actor, taskID, runID, etype)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("rejected: run %q is not the open run for task %q", runID, taskID)
	}

	reasons := make([]any, len(verdictReasons))
	for i, r := range verdictReasons {
		reasons[i] = r
	}
	actions := make([]any, len(verdictActions))
	for i, a := range verdictActions {
		actions[i] = a
	}
	_, err = orch.Manager().AppendEvent(event.Event{
		Type:    etype,
		Actor:   actor,
		Project: orch.Project(),
		TaskID:  taskID,
		RunID:   runID,
		Payload: map[string]any{
			"verdict":          verdict,
			"reasons":          reasons,
			"suggestedActions": actions,
		},
		IdempotencyKey: fmt.Sprintf("%s:%s:%s:%s:%s", orch.Project(), taskID, runID, etype, verdict),
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s %s recorded for %s/%s\n", etype, verdict, taskID, runID)
	return nil
}
