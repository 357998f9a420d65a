package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/crewd/internal/event"
)

func init() {
	rootCmd.AddCommand(heartbeatCmd)
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Record a watchdog liveness heartbeat",
	RunE:  runHeartbeat,
}

func runHeartbeat(cmd *cobra.Command, args []string) error {
	orch, err := newOrchestrator()
	if err != nil {
		return err
	}

	at := event.FormatTime(time.Now())
	_, err = orch.Manager().AppendEvent(event.Event{
		Type:           event.TypeWatchdogHeartbeat,
		Actor:          "watchdog",
		Project:        orch.Project(),
		At:             at,
		Payload:        map[string]any{},
		IdempotencyKey: fmt.Sprintf("%s:WATCHDOG_HEARTBEAT:%s", orch.Project(), at),
	})
	if err != nil {
		return err
	}
	fmt.Printf("heartbeat recorded at %s\n", at)
	return nil
}
