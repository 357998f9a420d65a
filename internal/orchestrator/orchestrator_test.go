package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/crewd/internal/config"
	"github.com/ppiankov/crewd/internal/event"
	"github.com/ppiankov/crewd/internal/model"
	"github.com/ppiankov/crewd/internal/project"
	"github.com/ppiankov/crewd/internal/reduce"
)

// testHarness pins the clock and run id sequence so ticks are replayable.
type testHarness struct {
	orch *Orchestrator
	now  time.Time
	runs int
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	if err := (project.Layout{Base: dir}).EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	if err := project.SaveTeam(filepath.Join(dir, "team.json"), project.Team{Project: "demo"}); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.BaseDir = dir

	h := &testHarness{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	h.orch = New(Options{
		Config: cfg,
		Now:    func() time.Time { return h.now },
		NewRunID: func() string {
			h.runs++
			return fmt.Sprintf("r-%032d", h.runs)
		},
		Logf: func(string, ...any) {},
	})
	return h
}

func (h *testHarness) advance(d time.Duration) { h.now = h.now.Add(d) }

// seed appends one event through the write path as if another actor sent it.
func (h *testHarness) seed(t *testing.T, e event.Event) *event.Event {
	t.Helper()
	if e.Project == "" {
		e.Project = "demo"
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	if e.IdempotencyKey == "" {
		e.IdempotencyKey = fmt.Sprintf("seed:%s:%s:%s:%d", e.Type, e.TaskID, e.RunID, h.runs)
	}
	res, err := h.orch.Manager().AppendEvent(e)
	if err != nil {
		t.Fatalf("seed %s: %v", e.Type, err)
	}
	return res.Event
}

func (h *testHarness) tick(t *testing.T) *reduce.Result {
	t.Helper()
	res, err := h.orch.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return res
}

func (h *testHarness) events(t *testing.T) []event.Event {
	t.Helper()
	events, corrupted, err := reduce.ReadEvents(h.orch.Layout().EventsPath())
	if err != nil {
		t.Fatal(err)
	}
	if len(corrupted) > 0 {
		t.Fatalf("unexpected corruption: %+v", corrupted)
	}
	return events
}

func countType(events []event.Event, etype string) int {
	n := 0
	for i := range events {
		if events[i].Type == etype {
			n++
		}
	}
	return n
}

func findType(events []event.Event, etype string) *event.Event {
	for i := range events {
		if events[i].Type == etype {
			return &events[i]
		}
	}
	return nil
}

// seedReadyTask walks a task to pending with no gates.
func (h *testHarness) seedReadyTask(t *testing.T, taskID string) {
	h.seed(t, event.Event{Type: event.TypeProjectStarted, Actor: "pm"})
	h.seed(t, event.Event{Type: event.TypeTaskSpecPublished, Actor: "pm", TaskID: taskID,
		Payload: map[string]any{"taskId": taskID, "goal": "build the feature", "kind": "coding",
			"acceptance": []any{"tests pass"}}})
	h.seed(t, event.Event{Type: event.TypeTaskSkillSet, Actor: "pm", TaskID: taskID,
		Payload: map[string]any{"chosenSkill": "golang", "decisionSeq": float64(1)}})
}

func TestTickDispatchesPendingTask(t *testing.T) {
	h := newHarness(t)
	h.seedReadyTask(t, "t-1")

	res := h.tick(t)
	task := res.Status.Task("t-1")
	if task == nil || task.State != model.StateRunning {
		t.Fatalf("task = %+v", task)
	}
	if res.Status.Locks.Tasks["t-1"] != task.RunID {
		t.Errorf("lock = %q, runId = %q", res.Status.Locks.Tasks["t-1"], task.RunID)
	}

	events := h.events(t)
	intent := findType(events, event.TypeWorkerRunIntent)
	started := findType(events, event.TypeWorkerRunStarted)
	if intent == nil || started == nil {
		t.Fatal("intent or started missing")
	}
	if started.CausationID != intent.EventID {
		t.Errorf("started.causationId = %q, want %q", started.CausationID, intent.EventID)
	}
	if started.CorrelationID != intent.RunID {
		t.Errorf("correlationId = %q", started.CorrelationID)
	}

	// Status file published.
	if _, err := os.Stat(h.orch.Layout().StatusPath()); err != nil {
		t.Errorf("status.json not written: %v", err)
	}
}

func TestTickDoesNotDoubleDispatch(t *testing.T) {
	h := newHarness(t)
	h.seedReadyTask(t, "t-1")
	h.tick(t)
	before := len(h.events(t))

	h.tick(t)
	events := h.events(t)
	if len(events) != before {
		t.Errorf("second tick appended %d events", len(events)-before)
	}
	if got := countType(events, event.TypeWorkerRunIntent); got != 1 {
		t.Errorf("intents = %d, want 1", got)
	}
}

func TestBlockCascade(t *testing.T) {
	h := newHarness(t)
	h.seedReadyTask(t, "t-1")
	res := h.tick(t)
	runID := res.Status.Task("t-1").RunID

	verdict := h.seed(t, event.Event{
		Type: event.TypeWatchdogVerdict, Actor: "watchdog", TaskID: "t-1", RunID: runID,
		Payload: map[string]any{"verdict": "BLOCK", "reasons": []any{"secrets in diff"}},
	})

	res = h.tick(t)
	if !res.Status.Project.Halted || res.Status.Project.Phase != model.PhaseHalted {
		t.Fatalf("project = %+v", res.Status.Project)
	}

	events := h.events(t)
	for _, etype := range []string{event.TypeProjectHalted, event.TypeWorkerRunAborted, event.TypeRunClosed} {
		ev := findType(events, etype)
		if ev == nil {
			t.Fatalf("%s missing", etype)
		}
		if ev.CausationID != verdict.EventID {
			t.Errorf("%s.causationId = %q, want verdict %q", etype, ev.CausationID, verdict.EventID)
		}
	}

	// Replaying the cascade is idempotent.
	before := len(events)
	h.tick(t)
	if got := len(h.events(t)); got != before {
		t.Errorf("cascade re-tick appended %d events", got-before)
	}
}

func TestHeartbeatTimeoutWindowed(t *testing.T) {
	h := newHarness(t)
	h.seed(t, event.Event{Type: event.TypeProjectStarted, Actor: "pm"})
	h.seed(t, event.Event{Type: event.TypeWatchdogHeartbeat, Actor: "watchdog",
		At: event.FormatTime(h.now)})

	// Within the timeout nothing happens.
	h.advance(60 * time.Second)
	h.tick(t)
	if countType(h.events(t), event.TypeWatchdogUnresponsive) != 0 {
		t.Fatal("premature WATCHDOG_UNRESPONSIVE")
	}

	// Past the timeout the event fires once per window.
	h.advance(150 * time.Second)
	res := h.tick(t)
	if res.Status.Project.Mode != model.ModeDegraded ||
		res.Status.Project.DegradedReason != model.ReasonWatchdogUnresponsive {
		t.Fatalf("project = %+v", res.Status.Project)
	}
	h.tick(t)
	if got := countType(h.events(t), event.TypeWatchdogUnresponsive); got != 1 {
		t.Errorf("unresponsive events = %d, want 1 per window", got)
	}

	// A new window fires again.
	h.advance(time.Duration(h.orch.cfg.HeartbeatTimeoutSec) * time.Second)
	h.tick(t)
	if got := countType(h.events(t), event.TypeWatchdogUnresponsive); got != 2 {
		t.Errorf("unresponsive events = %d, want 2", got)
	}
}

func TestHeartbeatSkippedWhenHalted(t *testing.T) {
	h := newHarness(t)
	h.seed(t, event.Event{Type: event.TypeProjectStarted, Actor: "pm", At: event.FormatTime(h.now)})
	h.seed(t, event.Event{Type: event.TypeWatchdogHeartbeat, Actor: "watchdog", At: event.FormatTime(h.now)})
	h.advance(time.Second)
	h.seed(t, event.Event{Type: event.TypeProjectHalted, Actor: "pm", At: event.FormatTime(h.now)})

	h.advance(10 * time.Minute)
	h.tick(t)
	if countType(h.events(t), event.TypeWatchdogUnresponsive) != 0 {
		t.Error("halted project must not emit WATCHDOG_UNRESPONSIVE")
	}
}

func TestWorkerTimeoutFailsAndRetries(t *testing.T) {
	h := newHarness(t)
	h.seedReadyTask(t, "t-1")
	res := h.tick(t)
	firstRun := res.Status.Task("t-1").RunID

	h.advance(31 * time.Minute)
	res = h.tick(t)
	if res.Status.Task("t-1").State != model.StateBlocked {
		t.Fatalf("task after timeout = %+v", res.Status.Task("t-1"))
	}
	failed := findType(h.events(t), event.TypeWorkerRunFailed)
	if failed == nil || failed.PayloadString("reason") != "worker_timeout" {
		t.Fatalf("failed = %+v", failed)
	}

	// The next pass notifies the failure and opens the retry run.
	res = h.tick(t)
	events := h.events(t)
	if countType(events, event.TypeTaskRetried) != 1 {
		t.Fatalf("retries = %d, want 1", countType(events, event.TypeTaskRetried))
	}

	task := res.Status.Task("t-1")
	if task.RunID == firstRun {
		t.Error("retry did not open a new run")
	}
	if countType(events, event.TypeResultNotified) != 1 {
		t.Errorf("notifications = %d, want 1 for the failed run", countType(events, event.TypeResultNotified))
	}
}

func TestRetryStopsAtMaxRetries(t *testing.T) {
	h := newHarness(t)
	h.orch.cfg.MaxRetries = 2
	h.seedReadyTask(t, "t-1")

	// Each cycle: dispatch, let it time out, retry.
	for i := 0; i < 5; i++ {
		h.tick(t)
		h.advance(31 * time.Minute)
		h.tick(t)
	}

	if got := countType(h.events(t), event.TypeTaskRetried); got != 2 {
		t.Errorf("retries = %d, want 2", got)
	}
}

func TestEvidencePickupCompletesRun(t *testing.T) {
	h := newHarness(t)
	h.seedReadyTask(t, "t-1")
	res := h.tick(t)
	runID := res.Status.Task("t-1").RunID

	body := "# Evidence\n\n**Files Changed**:\n- internal/feature/feature.go\n- internal/feature/feature_test.go\n"
	dir := filepath.Join(h.orch.Layout().EvidenceDir(), "t-1")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, runID+".md"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	res = h.tick(t)
	task := res.Status.Task("t-1")
	if !task.Done() {
		t.Fatalf("task not done: %+v", task)
	}
	if task.EvidencePath != filepath.Join("evidence", "t-1", runID+".md") {
		t.Errorf("evidencePath = %q", task.EvidencePath)
	}

	events := h.events(t)
	verdict := findType(events, event.TypeWatchdogVerdict)
	if verdict == nil || verdict.Verdict() != event.VerdictPass {
		t.Fatalf("verdict = %+v", verdict)
	}
	ev := findType(events, event.TypeEvidenceSubmitted)
	files, _ := ev.Payload["filesChanged"].([]any)
	if len(files) != 2 {
		t.Errorf("filesChanged = %v", files)
	}

	// Done result notified once; the pickup never repeats.
	h.tick(t)
	events = h.events(t)
	if got := countType(events, event.TypeEvidenceSubmitted); got != 1 {
		t.Errorf("evidence submissions = %d", got)
	}
	if got := countType(events, event.TypeResultNotified); got != 1 {
		t.Errorf("notifications = %d", got)
	}
}

func TestEvidencePickupSkipsLatestMD(t *testing.T) {
	h := newHarness(t)
	h.seedReadyTask(t, "t-1")
	h.tick(t)

	dir := filepath.Join(h.orch.Layout().EvidenceDir(), "t-1")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "latest.md"), []byte("- x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	h.tick(t)
	if countType(h.events(t), event.TypeEvidenceSubmitted) != 0 {
		t.Error("latest.md must not be treated as a submission")
	}
}

func TestValidateIncomingRejectsForeignRun(t *testing.T) {
	h := newHarness(t)
	h.seedReadyTask(t, "t-1")
	h.tick(t)

	ok, err := h.orch.ValidateIncoming("worker", "t-1", "r-zombie", event.TypeEvidenceSubmitted)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("foreign run accepted")
	}

	ignored := findType(h.events(t), event.TypeMessageIgnored)
	if ignored == nil {
		t.Fatal("MESSAGE_IGNORED missing")
	}
	if ignored.PayloadString("receivedRunId") != "r-zombie" {
		t.Errorf("payload = %v", ignored.Payload)
	}

	// Same zombie message again dedupes.
	h.orch.ValidateIncoming("worker", "t-1", "r-zombie", event.TypeEvidenceSubmitted)
	if got := countType(h.events(t), event.TypeMessageIgnored); got != 1 {
		t.Errorf("ignored events = %d, want 1", got)
	}
}

func TestValidateIncomingAcceptsBoundRunAndPM(t *testing.T) {
	h := newHarness(t)
	h.seedReadyTask(t, "t-1")
	res := h.tick(t)
	runID := res.Status.Task("t-1").RunID

	if ok, _ := h.orch.ValidateIncoming("worker", "t-1", runID, event.TypeEvidenceSubmitted); !ok {
		t.Error("bound run rejected")
	}
	if ok, _ := h.orch.ValidateIncoming("pm", "t-1", "", event.TypeTaskSpecPublished); !ok {
		t.Error("pm message rejected")
	}
	if ok, _ := h.orch.ValidateIncoming("worker", "", "", "anything"); !ok {
		t.Error("task-less message rejected")
	}
}

func TestProcessWorkerMessageEvidence(t *testing.T) {
	h := newHarness(t)
	h.seedReadyTask(t, "t-1")
	res := h.tick(t)
	runID := res.Status.Task("t-1").RunID

	msg := fmt.Sprintf(`## Evidence Submitted
**Task**: t-1
**Run**: %s
**Files Changed**:
- internal/feature/feature.go
`, runID)
	handled, err := h.orch.ProcessWorkerMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !handled {
		t.Fatal("evidence message not handled")
	}

	res = h.tick(t)
	if !res.Status.Task("t-1").Done() {
		t.Errorf("task = %+v", res.Status.Task("t-1"))
	}
}

func TestProcessWorkerMessageIgnoresChatter(t *testing.T) {
	h := newHarness(t)
	handled, err := h.orch.ProcessWorkerMessage("making progress, back soon")
	if err != nil {
		t.Fatal(err)
	}
	if handled {
		t.Error("chatter treated as evidence")
	}
}

func TestTickRecoversCorruptedLog(t *testing.T) {
	h := newHarness(t)
	h.seedReadyTask(t, "t-1")

	path := h.orch.Layout().EventsPath()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{torn write\n")
	f.Close()

	res := h.tick(t)
	events, corrupted, err := reduce.ReadEvents(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(corrupted) != 1 {
		t.Fatalf("corrupted = %d", len(corrupted))
	}
	if findType(events, event.TypeCorruptedLineDetected) == nil {
		t.Error("CORRUPTED_LINE_DETECTED missing")
	}
	if findType(events, event.TypeRecoveryStarted) == nil {
		t.Error("RECOVERY_STARTED missing")
	}
	if res.Status.Project.DegradedReason != model.ReasonRecoveryInProgress {
		t.Errorf("degradedReason = %q", res.Status.Project.DegradedReason)
	}

	// Same corruption never re-records.
	h.tick(t)
	events, _, _ = reduce.ReadEvents(path)
	if got := countType(events, event.TypeCorruptedLineDetected); got != 1 {
		t.Errorf("corrupted events = %d, want 1", got)
	}
}

func TestReconcileClosesStaleRun(t *testing.T) {
	h := newHarness(t)
	h.orch.cfg.MaxRetries = 0
	h.seed(t, event.Event{Type: event.TypeProjectStarted, Actor: "pm"})
	h.seed(t, event.Event{Type: event.TypeWorkerRunIntent, Actor: "orchestrator",
		TaskID: "t-1", RunID: "r-old", At: event.FormatTime(h.now)})

	h.advance(31 * time.Minute)
	res := h.tick(t)

	events := h.events(t)
	failed := findType(events, event.TypeWorkerRunFailed)
	if failed == nil || failed.PayloadString("reason") != "stale_after_restart" {
		t.Fatalf("failed = %+v", failed)
	}
	if _, open := res.Status.Locks.Tasks["t-1"]; open {
		t.Error("stale run still holds the lock")
	}
}

func TestReconcileClosesTerminalRunMissingClose(t *testing.T) {
	h := newHarness(t)
	h.seed(t, event.Event{Type: event.TypeProjectStarted, Actor: "pm"})
	h.seed(t, event.Event{Type: event.TypeWorkerRunIntent, Actor: "orchestrator",
		TaskID: "t-1", RunID: "r-1", At: event.FormatTime(h.now)})
	h.seed(t, event.Event{Type: event.TypeWorkerRunStarted, Actor: "worker",
		TaskID: "t-1", RunID: "r-1", At: event.FormatTime(h.now)})
	h.seed(t, event.Event{Type: event.TypeWorkerRunCompleted, Actor: "worker",
		TaskID: "t-1", RunID: "r-1", At: event.FormatTime(h.now)})
	verdict := h.seed(t, event.Event{Type: event.TypeWatchdogVerdict, Actor: "watchdog",
		TaskID: "t-1", RunID: "r-1", Payload: map[string]any{"verdict": "PASS"}})

	h.tick(t)
	closed := findType(h.events(t), event.TypeRunClosed)
	if closed == nil {
		t.Fatal("RUN_CLOSED missing after crash between appends")
	}
	if closed.PayloadString("closeReason") != "recovered_close" {
		t.Errorf("closeReason = %q", closed.PayloadString("closeReason"))
	}
	if closed.CausationID != verdict.EventID {
		t.Errorf("causationId = %q, want verdict %q", closed.CausationID, verdict.EventID)
	}
}

func TestSuggestSkillsForGatedTasks(t *testing.T) {
	h := newHarness(t)
	h.seed(t, event.Event{Type: event.TypeProjectStarted, Actor: "pm"})
	h.seed(t, event.Event{Type: event.TypeTaskSpecPublished, Actor: "pm", TaskID: "t-1",
		Payload: map[string]any{"taskId": "t-1", "goal": "g", "kind": "coding",
			"suggestedSkills": []any{"golang"}}})

	res, err := reduce.Replay(h.orch.Layout(), reduce.Options{Now: func() time.Time { return h.now }})
	if err != nil {
		t.Fatal(err)
	}
	prompts := h.orch.SuggestSkills(res.Status)
	if len(prompts) != 1 || !strings.Contains(prompts[0], "golang") {
		t.Errorf("prompts = %v", prompts)
	}
}

func TestWorkerPromptContents(t *testing.T) {
	h := newHarness(t)
	prompt := h.orch.workerPrompt(&model.TaskStatus{
		TaskID: "t-1",
		TaskSpec: map[string]any{
			"taskId":       "t-1",
			"goal":         "ship the parser",
			"acceptance":   []any{"fuzz clean", "tests pass"},
			"contextFiles": []any{"docs/parser.md"},
		},
	})
	for _, want := range []string{"## Task: t-1", "ship the parser", "- [ ] fuzz clean", "docs/parser.md", "crew:demo:orchestrator"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
