package alert

// Alert event types dispatched by the orchestrator.
const (
	EventBlocked          = "blocked"
	EventDone             = "done"
	EventDegraded         = "degraded"
	EventHalted           = "halted"
	EventNeedsHumanReview = "needs_human_review"
)

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // ["blocked", "done", "degraded", ...]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp string `json:"timestamp"`
	Project   string `json:"project"`
	TaskID    string `json:"task_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Type      string `json:"type"` // "blocked", "done", "degraded", "halted", "needs_human_review"
	Verdict   string `json:"verdict,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Summary   string `json:"summary,omitempty"`
}
