package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/crewd/internal/event"
	"github.com/ppiankov/crewd/internal/state"
)

var (
	appendActor   string
	appendTask    string
	appendRun     string
	appendPayload string
	appendKey     string
)

func init() {
	appendCmd.Flags().StringVar(&appendActor, "actor", "pm", "Acting role (pm, worker, watchdog, human)")
	appendCmd.Flags().StringVar(&appendTask, "task", "", "Task ID the event belongs to")
	appendCmd.Flags().StringVar(&appendRun, "run", "", "Run ID the event belongs to")
	appendCmd.Flags().StringVar(&appendPayload, "payload", "{}", "Event payload as JSON")
	appendCmd.Flags().StringVar(&appendKey, "key", "", "Idempotency key (default <project>:<task>:<run>:<TYPE>)")
	rootCmd.AddCommand(appendCmd)
}

var appendCmd = &cobra.Command{
	Use:   "append <EVENT_TYPE>",
	Short: "Append a raw event to the log",
	Long: `Injects one event through the State Manager, so it gets an event ID,
sequence number and CRC like any other write. Worker and watchdog events
are validated against the task's open run first. Set --key explicitly
for event types you expect to append more than once per task and run.`,
	Args: cobra.ExactArgs(1),
	RunE: runAppend,
}

func runAppend(cmd *cobra.Command, args []string) error {
	etype := args[0]

	var payload map[string]any
	if err := json.Unmarshal([]byte(appendPayload), &payload); err != nil {
		return fmt.Errorf("invalid --payload JSON: %w", err)
	}

	orch, err := newOrchestrator()
	if err != nil {
		return err
	}

	ok, err := orch.ValidateIncoming(appendActor, appendTask, appendRun, etype)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("rejected: run %q is not the open run for task %q", appendRun, appendTask)
	}

	key := appendKey
	if key == "" {
		key = fmt.Sprintf("%s:%s:%s:%s", orch.Project(), appendTask, appendRun, etype)
	}

	res, err := orch.Manager().AppendEvent(event.Event{
		Type:           etype,
		Actor:          appendActor,
		Project:        orch.Project(),
		TaskID:         appendTask,
		RunID:          appendRun,
		Payload:        payload,
		IdempotencyKey: key,
	})
	if err != nil {
		return err
	}
	if res.Status == state.StatusDeduped {
		fmt.Printf("deduped: %s already in the log\n", key)
		return nil
	}
	fmt.Printf("appended %s seq=%d eventId=%s\n", etype, res.Event.SequenceNumber, res.Event.EventID)
	return nil
}
