package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loopCmd)
}

var loopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Run the orchestrator loop until interrupted",
	Long: `Ticks on the configured interval and immediately when a worker drops
an evidence file. SIGINT or SIGTERM stops the loop cleanly; the next
start resumes from the log.`,
	RunE: runLoop,
}

func runLoop(cmd *cobra.Command, args []string) error {
	orch, err := newOrchestrator()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("crewd: supervising %s in %s\n", orch.Project(), orch.Layout().Base)
	if err := orch.RunLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
