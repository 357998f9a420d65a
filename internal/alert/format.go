package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event AlertEvent) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event AlertEvent) ([]byte, error) {
	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("crewd: %s", event.Type),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Project:* %s", event.Project)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Task:* %s", event.TaskID)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Run:* %s", event.RunID)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event AlertEvent) ([]byte, error) {
	severity := "info"
	switch event.Type {
	case EventBlocked, EventHalted:
		severity = "critical"
	case EventDegraded:
		severity = "error"
	case EventNeedsHumanReview:
		severity = "warning"
	}

	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("crewd %s: %s/%s", event.Type, event.Project, event.TaskID),
			"severity": severity,
			"source":   "crewd",
			"custom_details": map[string]any{
				"project": event.Project,
				"task_id": event.TaskID,
				"run_id":  event.RunID,
				"verdict": event.Verdict,
				"reason":  event.Reason,
			},
		},
	}
	return json.Marshal(payload)
}
