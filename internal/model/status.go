// Package model holds the materialized views derived from the event log:
// the Status snapshot published to status.json, and the task specification
// exchanged between the PM, the orchestrator, and workers.
package model

// Task states. Priority when recomputing: blocked > canceled > done.
const (
	StatePending  = "pending"
	StateAssigned = "assigned"
	StateRunning  = "running"
	StateDone     = "done"
	StateBlocked  = "blocked"
	StateCanceled = "canceled"
)

// Gates — named preconditions a task must clear before progressing.
const (
	GateAwaitingSkillDecision  = "awaiting_skill_decision"
	GateAwaitingPolicyApproval = "awaiting_policy_approval"
	GateAwaitingVerdict        = "awaiting_verdict"
	GateNeedsHumanReview       = "needs_human_review"
)

// Project phases and modes.
const (
	PhaseRunning  = "running"
	PhaseFinished = "finished"
	PhaseHalted   = "halted"

	ModeNormal   = "normal"
	ModeDegraded = "degraded"
)

// Degraded reasons.
const (
	ReasonWatchdogUnresponsive = "watchdog_unresponsive"
	ReasonVerdictTimeout       = "verdict_timeout"
	ReasonRecoveryInProgress   = "recovery_in_progress"
	ReasonMultipleOpenRuns     = "multiple_open_runs"
)

// Watchdog states.
const (
	WatchdogHealthy      = "healthy"
	WatchdogUnresponsive = "unresponsive"
)

// Progress counts tasks by terminal disposition.
type Progress struct {
	Total   int `json:"total"`
	Done    int `json:"done"`
	Blocked int `json:"blocked"`
}

// ProjectStatus is the project-level slice of the snapshot.
type ProjectStatus struct {
	Name           string   `json:"name"`
	Phase          string   `json:"phase"`
	Halted         bool     `json:"halted"`
	Mode           string   `json:"mode"`
	DegradedReason string   `json:"degradedReason,omitempty"`
	Progress       Progress `json:"progress"`
}

// WatchdogStatus tracks heartbeat liveness.
type WatchdogStatus struct {
	LastHeartbeatAt string `json:"lastHeartbeatAt,omitempty"`
	State           string `json:"state"`
}

// LocksStatus mirrors which runs currently own which tasks. locks.project
// is "running" iff the project is started and not halted; locks.tasks maps
// a taskId to its single open runId.
type LocksStatus struct {
	Project string            `json:"project"`
	Tasks   map[string]string `json:"tasks"`
}

// TaskStatus is one task in the snapshot. Done tasks are published as a
// compact summary (ResultSummary/EvidencePath/LastRunID, State left empty);
// all other tasks carry the full state.
type TaskStatus struct {
	TaskID        string         `json:"taskId"`
	State         string         `json:"state,omitempty"`
	Gates         []string       `json:"gates,omitempty"`
	RunID         string         `json:"runId,omitempty"`
	SkillDecision map[string]any `json:"skillDecision,omitempty"`
	PolicyTier    string         `json:"policyTier,omitempty"`
	LastEvidence  map[string]any `json:"lastEvidence,omitempty"`
	LastVerdict   map[string]any `json:"lastVerdict,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	TaskSpec      map[string]any `json:"taskSpec,omitempty"`

	ResultSummary string `json:"resultSummary,omitempty"`
	EvidencePath  string `json:"evidencePath,omitempty"`
	LastRunID     string `json:"lastRunId,omitempty"`
}

// Done reports whether this entry is a compact done summary.
func (t *TaskStatus) Done() bool {
	return t.State == "" && t.LastRunID != ""
}

// HasGate reports whether the named gate is present.
func (t *TaskStatus) HasGate(gate string) bool {
	for _, g := range t.Gates {
		if g == gate {
			return true
		}
	}
	return false
}

// Status is the full snapshot written atomically to status.json after each
// tick. It is always derivable from the event log alone.
type Status struct {
	Project   ProjectStatus    `json:"project"`
	Watchdog  WatchdogStatus   `json:"watchdog"`
	Tasks     []TaskStatus     `json:"tasks"`
	Risks     []map[string]any `json:"risks"`
	Alerts    []map[string]any `json:"alerts"`
	Locks     LocksStatus      `json:"locks"`
	UpdatedAt string           `json:"updatedAt"`
}

// NewStatus returns an empty snapshot for the named project.
func NewStatus(project string) *Status {
	return &Status{
		Project: ProjectStatus{
			Name:  project,
			Phase: PhaseRunning,
			Mode:  ModeNormal,
		},
		Watchdog: WatchdogStatus{State: WatchdogHealthy},
		Tasks:    []TaskStatus{},
		Risks:    []map[string]any{},
		Alerts:   []map[string]any{},
		Locks:    LocksStatus{Project: "idle", Tasks: map[string]string{}},
	}
}

// Task returns the entry for taskId, or nil.
func (s *Status) Task(taskID string) *TaskStatus {
	for i := range s.Tasks {
		if s.Tasks[i].TaskID == taskID {
			return &s.Tasks[i]
		}
	}
	return nil
}
