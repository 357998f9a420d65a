package mcp

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/crewd/internal/event"
)

// --- Input/Output types ---

// StatusInput defines parameters for the crewd_status tool.
type StatusInput struct{}

// TaskSummary is one task in the status output.
type TaskSummary struct {
	TaskID string   `json:"task_id"`
	State  string   `json:"state"`
	Gates  []string `json:"gates,omitempty"`
	RunID  string   `json:"run_id,omitempty"`
}

// StatusOutput is the replayed project snapshot.
type StatusOutput struct {
	Project        string        `json:"project"`
	Phase          string        `json:"phase"`
	Mode           string        `json:"mode"`
	DegradedReason string        `json:"degraded_reason,omitempty"`
	Total          int           `json:"total"`
	Done           int           `json:"done"`
	Blocked        int           `json:"blocked"`
	Tasks          []TaskSummary `json:"tasks"`
}

// EvidenceInput defines parameters for the crewd_evidence tool.
type EvidenceInput struct {
	TaskID         string   `json:"task_id" jsonschema:"task the evidence belongs to"`
	RunID          string   `json:"run_id" jsonschema:"run that produced the evidence"`
	FilesChanged   []string `json:"files_changed,omitempty" jsonschema:"repo-relative changed files"`
	Summary        string   `json:"summary,omitempty" jsonschema:"short result summary"`
	EvidencePath   string   `json:"evidence_path,omitempty" jsonschema:"path to the evidence file"`
	EvidenceDigest string   `json:"evidence_digest,omitempty" jsonschema:"sha256:<hex> of the evidence file"`
	PatchPath      string   `json:"patch_path,omitempty" jsonschema:"path to the patch file"`
	PatchDigest    string   `json:"patch_digest,omitempty" jsonschema:"sha256:<hex> of the patch file"`
}

// EvidenceOutput reports whether the submission was accepted and how it
// was graded.
type EvidenceOutput struct {
	Accepted bool   `json:"accepted"`
	Verdict  string `json:"verdict,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// VerdictInput defines parameters for the crewd_verdict tool.
type VerdictInput struct {
	TaskID           string   `json:"task_id" jsonschema:"task under audit"`
	RunID            string   `json:"run_id" jsonschema:"run under audit"`
	Verdict          string   `json:"verdict" jsonschema:"PASS, WARN or BLOCK"`
	Reasons          []string `json:"reasons,omitempty" jsonschema:"why the verdict was reached"`
	SuggestedActions []string `json:"suggested_actions,omitempty" jsonschema:"what should happen next"`
}

// VerdictOutput reports whether the verdict was recorded.
type VerdictOutput struct {
	Recorded bool   `json:"recorded"`
	Reason   string `json:"reason,omitempty"`
}

// HeartbeatInput defines parameters for the crewd_heartbeat tool.
type HeartbeatInput struct{}

// HeartbeatOutput carries the recorded timestamp.
type HeartbeatOutput struct {
	RecordedAt string `json:"recorded_at"`
}

// --- Handlers ---

func (s *Server) handleStatus(ctx context.Context, req *mcpsdk.CallToolRequest, input StatusInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	status, err := s.orch.Status()
	if err != nil {
		return nil, StatusOutput{}, err
	}

	out := StatusOutput{
		Project:        status.Project.Name,
		Phase:          status.Project.Phase,
		Mode:           status.Project.Mode,
		DegradedReason: status.Project.DegradedReason,
		Total:          status.Project.Progress.Total,
		Done:           status.Project.Progress.Done,
		Blocked:        status.Project.Progress.Blocked,
		Tasks:          make([]TaskSummary, 0, len(status.Tasks)),
	}
	for i := range status.Tasks {
		task := &status.Tasks[i]
		summary := TaskSummary{
			TaskID: task.TaskID,
			State:  task.State,
			Gates:  task.Gates,
			RunID:  task.RunID,
		}
		if task.Done() {
			summary.State = "done"
			summary.RunID = task.LastRunID
		}
		out.Tasks = append(out.Tasks, summary)
	}
	return nil, out, nil
}

func (s *Server) handleEvidence(ctx context.Context, req *mcpsdk.CallToolRequest, input EvidenceInput) (*mcpsdk.CallToolResult, EvidenceOutput, error) {
	if input.TaskID == "" || input.RunID == "" {
		return nil, EvidenceOutput{}, fmt.Errorf("task_id and run_id are required")
	}

	files := make([]any, len(input.FilesChanged))
	for i, f := range input.FilesChanged {
		files[i] = f
	}
	payload := map[string]any{"filesChanged": files}
	if input.Summary != "" {
		payload["summary"] = input.Summary
	}
	if input.EvidencePath != "" {
		payload["evidencePath"] = input.EvidencePath
	}
	if input.EvidenceDigest != "" {
		payload["evidenceDigest"] = input.EvidenceDigest
	}
	if input.PatchPath != "" {
		payload["patchPath"] = input.PatchPath
	}
	if input.PatchDigest != "" {
		payload["patchDigest"] = input.PatchDigest
	}

	verdict, err := s.orch.SubmitEvidence(input.TaskID, input.RunID, payload)
	if err != nil {
		return nil, EvidenceOutput{}, err
	}
	if verdict == "" {
		out := EvidenceOutput{
			Accepted: false,
			Reason:   "run_id does not match the task's open run",
		}
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, EvidenceOutput{Accepted: true, Verdict: verdict}, nil
}

func (s *Server) handleVerdict(ctx context.Context, req *mcpsdk.CallToolRequest, input VerdictInput) (*mcpsdk.CallToolResult, VerdictOutput, error) {
	switch input.Verdict {
	case event.VerdictPass, event.VerdictWarn, event.VerdictBlock:
	default:
		return nil, VerdictOutput{}, fmt.Errorf("invalid verdict %q", input.Verdict)
	}
	if input.TaskID == "" || input.RunID == "" {
		return nil, VerdictOutput{}, fmt.Errorf("task_id and run_id are required")
	}

	ok, err := s.orch.ValidateIncoming("watchdog", input.TaskID, input.RunID, event.TypeWatchdogVerdict)
	if err != nil {
		return nil, VerdictOutput{}, err
	}
	if !ok {
		out := VerdictOutput{
			Recorded: false,
			Reason:   "run_id does not match the task's open run",
		}
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}

	reasons := make([]any, len(input.Reasons))
	for i, r := range input.Reasons {
		reasons[i] = r
	}
	actions := make([]any, len(input.SuggestedActions))
	for i, a := range input.SuggestedActions {
		actions[i] = a
	}
	_, err = s.orch.Manager().AppendEvent(event.Event{
		Type:    event.TypeWatchdogVerdict,
		Actor:   "watchdog",
		Project: s.orch.Project(),
		TaskID:  input.TaskID,
		RunID:   input.RunID,
		Payload: map[string]any{
			"verdict":          input.Verdict,
			"reasons":          reasons,
			"suggestedActions": actions,
		},
		IdempotencyKey: fmt.Sprintf("%s:%s:%s:WATCHDOG_VERDICT:%s",
			s.orch.Project(), input.TaskID, input.RunID, input.Verdict),
	})
	if err != nil {
		return nil, VerdictOutput{}, err
	}
	return nil, VerdictOutput{Recorded: true}, nil
}

func (s *Server) handleHeartbeat(ctx context.Context, req *mcpsdk.CallToolRequest, input HeartbeatInput) (*mcpsdk.CallToolResult, HeartbeatOutput, error) {
	at := event.FormatTime(time.Now())
	_, err := s.orch.Manager().AppendEvent(event.Event{
		Type:           event.TypeWatchdogHeartbeat,
		Actor:          "watchdog",
		Project:        s.orch.Project(),
		At:             at,
		Payload:        map[string]any{},
		IdempotencyKey: fmt.Sprintf("%s:WATCHDOG_HEARTBEAT:%s", s.orch.Project(), at),
	})
	if err != nil {
		return nil, HeartbeatOutput{}, err
	}
	return nil, HeartbeatOutput{RecordedAt: at}, nil
}
