package mcp

import (
	"context"
	"path/filepath"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/crewd/internal/event"
	"github.com/ppiankov/crewd/internal/project"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	if err := (project.Layout{Base: dir}).EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	if err := project.SaveTeam(filepath.Join(dir, "team.json"), project.Team{Project: "demo"}); err != nil {
		t.Fatal(err)
	}
	s, err := New(Config{BaseDir: dir})
	if err != nil {
		t.Fatalf("failed to create MCP server: %v", err)
	}
	return s
}

// openRun binds taskID to runID in the log so run-scoped tools accept it.
func openRun(t *testing.T, s *Server, taskID, runID string) {
	t.Helper()
	seeds := []event.Event{
		{Type: event.TypeProjectStarted, Actor: "pm", Project: "demo",
			Payload: map[string]any{}, IdempotencyKey: "demo:start"},
		{Type: event.TypeTaskSpecPublished, Actor: "pm", Project: "demo", TaskID: taskID,
			Payload:        map[string]any{"taskId": taskID, "goal": "g", "kind": "coding"},
			IdempotencyKey: "demo:" + taskID + ":spec"},
		{Type: event.TypeWorkerRunIntent, Actor: "orchestrator", Project: "demo",
			TaskID: taskID, RunID: runID,
			Payload:        map[string]any{},
			IdempotencyKey: "demo:" + taskID + ":" + runID + ":intent"},
		{Type: event.TypeWorkerRunStarted, Actor: "worker", Project: "demo",
			TaskID: taskID, RunID: runID,
			Payload:        map[string]any{},
			IdempotencyKey: "demo:" + taskID + ":" + runID + ":started"},
	}
	for _, e := range seeds {
		if _, err := s.orch.Manager().AppendEvent(e); err != nil {
			t.Fatalf("seed %s: %v", e.Type, err)
		}
	}
}

func TestStatusEmptyProject(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, out, err := s.handleStatus(ctx, &mcpsdk.CallToolRequest{}, StatusInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Project != "demo" {
		t.Fatalf("expected project demo, got %q", out.Project)
	}
	if out.Total != 0 || len(out.Tasks) != 0 {
		t.Fatalf("expected empty task list, got %+v", out)
	}
}

func TestEvidenceAcceptedAndGraded(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	openRun(t, s, "t-1", "r-1")

	result, out, err := s.handleEvidence(ctx, &mcpsdk.CallToolRequest{}, EvidenceInput{
		TaskID:       "t-1",
		RunID:        "r-1",
		FilesChanged: []string{"internal/feature/feature.go"},
		Summary:      "implemented the feature",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil && result.IsError {
		t.Fatal("expected success, got error result")
	}
	if !out.Accepted || out.Verdict != event.VerdictPass {
		t.Fatalf("expected accepted PASS, got %+v", out)
	}

	_, status, err := s.handleStatus(ctx, &mcpsdk.CallToolRequest{}, StatusInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Done != 1 {
		t.Fatalf("expected 1 done task, got %+v", status)
	}
}

func TestEvidenceRejectedForeignRun(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	openRun(t, s, "t-1", "r-1")

	result, out, err := s.handleEvidence(ctx, &mcpsdk.CallToolRequest{}, EvidenceInput{
		TaskID: "t-1",
		RunID:  "r-zombie",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatal("expected IsError result for foreign run")
	}
	if out.Accepted {
		t.Fatal("expected accepted=false")
	}
}

func TestEvidenceRequiresIdentity(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	if _, _, err := s.handleEvidence(ctx, &mcpsdk.CallToolRequest{}, EvidenceInput{TaskID: "t-1"}); err == nil {
		t.Fatal("expected error for missing run_id")
	}
}

func TestVerdictRecorded(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	openRun(t, s, "t-1", "r-1")

	_, out, err := s.handleVerdict(ctx, &mcpsdk.CallToolRequest{}, VerdictInput{
		TaskID:  "t-1",
		RunID:   "r-1",
		Verdict: event.VerdictWarn,
		Reasons: []string{"digest mismatch"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Recorded {
		t.Fatalf("expected recorded, got %+v", out)
	}

	_, status, err := s.handleStatus(ctx, &mcpsdk.CallToolRequest{}, StatusInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := status.Tasks[0]
	found := false
	for _, g := range task.Gates {
		if g == "needs_human_review" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected needs_human_review gate after WARN, got %+v", task)
	}
}

func TestVerdictInvalidValue(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	if _, _, err := s.handleVerdict(ctx, &mcpsdk.CallToolRequest{}, VerdictInput{
		TaskID: "t-1", RunID: "r-1", Verdict: "MAYBE",
	}); err == nil {
		t.Fatal("expected error for invalid verdict")
	}
}

func TestVerdictRejectedForeignRun(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	openRun(t, s, "t-1", "r-1")

	result, out, err := s.handleVerdict(ctx, &mcpsdk.CallToolRequest{}, VerdictInput{
		TaskID:  "t-1",
		RunID:   "r-stale",
		Verdict: event.VerdictBlock,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatal("expected IsError for stale run verdict")
	}
	if out.Recorded {
		t.Fatal("expected recorded=false")
	}
}

func TestHeartbeatRecorded(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, out, err := s.handleHeartbeat(ctx, &mcpsdk.CallToolRequest{}, HeartbeatInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.ParseTime(out.RecordedAt).IsZero() {
		t.Fatalf("expected parseable timestamp, got %q", out.RecordedAt)
	}
}

func TestToolRegistration(t *testing.T) {
	s := newTestServer(t)
	if s.mcpServer == nil {
		t.Fatal("expected MCP server to be initialized")
	}
}
