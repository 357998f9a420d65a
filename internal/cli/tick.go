package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(tickCmd)
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one supervision pass and publish status.json",
	Long: `Executes a single orchestrator tick: corruption recovery, BLOCK
cascade enforcement, heartbeat check, open-run reconciliation, dispatch,
worker timeouts, result notification, auto-retry and evidence pickup.`,
	RunE: runTick,
}

func runTick(cmd *cobra.Command, args []string) error {
	orch, err := newOrchestrator()
	if err != nil {
		return err
	}
	result, err := orch.Tick(cmd.Context())
	if err != nil {
		return err
	}
	p := result.Status.Project
	fmt.Printf("%s: phase=%s mode=%s done=%d/%d blocked=%d\n",
		p.Name, p.Phase, p.Mode, p.Progress.Done, p.Progress.Total, p.Progress.Blocked)
	return nil
}
