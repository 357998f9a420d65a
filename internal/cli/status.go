package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/crewd/internal/model"
)

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw snapshot as JSON")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current project status",
	Long:  "Replays the event log and renders the project snapshot. Never trusts a stale status.json.",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	orch, err := newOrchestrator()
	if err != nil {
		return err
	}
	status, err := orch.Status()
	if err != nil {
		return err
	}

	if statusJSON {
		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Print(renderStatus(status))
	return nil
}

// renderStatus formats the snapshot for a terminal.
func renderStatus(status *model.Status) string {
	var b strings.Builder
	p := status.Project
	fmt.Fprintf(&b, "Project: %s  phase=%s mode=%s", p.Name, p.Phase, p.Mode)
	if p.DegradedReason != "" {
		fmt.Fprintf(&b, " (%s)", p.DegradedReason)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Watchdog: %s", status.Watchdog.State)
	if status.Watchdog.LastHeartbeatAt != "" {
		fmt.Fprintf(&b, " (last heartbeat %s)", status.Watchdog.LastHeartbeatAt)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Progress: %d/%d done, %d blocked\n",
		p.Progress.Done, p.Progress.Total, p.Progress.Blocked)

	if len(status.Tasks) > 0 {
		b.WriteString("\nTasks:\n")
	}
	for i := range status.Tasks {
		task := &status.Tasks[i]
		if task.Done() {
			fmt.Fprintf(&b, "  %-12s done", task.TaskID)
			if task.ResultSummary != "" {
				fmt.Fprintf(&b, "  %s", task.ResultSummary)
			}
			if task.EvidencePath != "" {
				fmt.Fprintf(&b, "  [%s]", task.EvidencePath)
			}
			b.WriteString("\n")
			continue
		}
		fmt.Fprintf(&b, "  %-12s %s", task.TaskID, task.State)
		if task.RunID != "" {
			fmt.Fprintf(&b, "  run=%s", task.RunID)
		}
		if len(task.Gates) > 0 {
			fmt.Fprintf(&b, "  gates=%s", strings.Join(task.Gates, ","))
		}
		b.WriteString("\n")
	}

	for _, a := range status.Alerts {
		fmt.Fprintf(&b, "alert: %v\n", a)
	}
	return b.String()
}
