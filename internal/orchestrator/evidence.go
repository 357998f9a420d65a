package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ppiankov/crewd/internal/event"
	"github.com/ppiankov/crewd/internal/reduce"
	"github.com/ppiankov/crewd/internal/watchdog"
)

// ValidateIncoming gates messages from workers and the watchdog: their
// runId must match the task's open run, otherwise the message is dropped
// and a MESSAGE_IGNORED diagnostic is recorded. PM and task-level messages
// carry no run binding and always pass.
func (o *Orchestrator) ValidateIncoming(actor, taskID, runID, messageType string) (bool, error) {
	if taskID == "" {
		return true, nil
	}
	if actor != "worker" && actor != "watchdog" {
		return true, nil
	}

	result, err := reduce.Replay(o.layout, reduce.Options{Now: o.now})
	if err != nil {
		return false, err
	}
	expected := result.Status.Locks.Tasks[taskID]
	if runID != "" && runID == expected {
		return true, nil
	}

	seed := sha256.Sum256([]byte(runID + ":" + messageType))
	digest := hex.EncodeToString(seed[:])[:12]
	o.append(o.buildEvent(event.TypeMessageIgnored, taskID, expected,
		map[string]any{
			"actor":         actor,
			"expectedRunId": expected,
			"receivedRunId": runID,
			"messageType":   messageType,
		},
		fmt.Sprintf("%s:%s:%s:MESSAGE_IGNORED:%s", o.Project(), taskID, expected, digest),
		""))
	return false, nil
}

// checkEvidenceFiles picks up evidence files workers drop under
// evidence/<taskId>/<runId>.md and runs each unprocessed one through the
// submission chain. latest.md is a convenience symlink target, never a
// submission.
func (o *Orchestrator) checkEvidenceFiles(events []event.Event) {
	entries, err := os.ReadDir(o.layout.EvidenceDir())
	if err != nil {
		return
	}

	submitted := map[taskRun]bool{}
	for i := range events {
		if events[i].Type == event.TypeEvidenceSubmitted {
			submitted[taskRun{events[i].TaskID, events[i].RunID}] = true
		}
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		taskID := entry.Name()
		files, err := os.ReadDir(filepath.Join(o.layout.EvidenceDir(), taskID))
		if err != nil {
			continue
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || name == "latest.md" || !strings.HasSuffix(name, ".md") {
				continue
			}
			runID := strings.TrimSuffix(name, ".md")
			if submitted[taskRun{taskID, runID}] {
				continue
			}

			path := filepath.Join(o.layout.EvidenceDir(), taskID, name)
			content, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			rel, err := filepath.Rel(o.layout.Base, path)
			if err != nil {
				rel = path
			}
			payload := parseEvidenceBody(string(content))
			payload["evidencePath"] = rel

			o.submitEvidence(taskID, runID, payload)
		}
	}
}

// ProcessWorkerMessage handles an inbound worker message. Evidence
// submissions ("## Evidence Submitted" reports) go through the submission
// chain; anything else is left to the caller.
func (o *Orchestrator) ProcessWorkerMessage(message string) (bool, error) {
	if !strings.Contains(message, "## Evidence Submitted") {
		return false, nil
	}

	taskID, runID, filesChanged := parseEvidenceMessage(message)
	if taskID == "" || runID == "" {
		return false, nil
	}

	ok, err := o.ValidateIncoming("worker", taskID, runID, event.TypeEvidenceSubmitted)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	text := message
	if len(text) > 500 {
		text = text[:500]
	}
	files := make([]any, len(filesChanged))
	for i, f := range filesChanged {
		files[i] = f
	}
	o.submitEvidence(taskID, runID, map[string]any{
		"filesChanged": files,
		"evidenceText": text,
	})
	return true, nil
}

// SubmitEvidence records one evidence submission after run validation and
// returns the verdict it was graded with. A rejected submission returns
// ("", nil); the MESSAGE_IGNORED diagnostic is already in the log.
func (o *Orchestrator) SubmitEvidence(taskID, runID string, payload map[string]any) (string, error) {
	ok, err := o.ValidateIncoming("worker", taskID, runID, event.TypeEvidenceSubmitted)
	if err != nil || !ok {
		return "", err
	}
	return o.submitEvidence(taskID, runID, payload), nil
}

// submitEvidence appends the full chain for one submission: the evidence
// itself, the watchdog verdict, and on PASS the completion and close. A
// WARN or BLOCK verdict stops the chain; the block cascade and human
// review paths take over on the next tick.
func (o *Orchestrator) submitEvidence(taskID, runID string, payload map[string]any) string {
	o.append(o.buildEvent(event.TypeEvidenceSubmitted, taskID, runID,
		payload,
		fmt.Sprintf("%s:%s:%s:EVIDENCE_SUBMITTED", o.Project(), taskID, runID),
		""))

	verdict := o.gradeEvidence(payload)
	o.append(o.buildEvent(event.TypeWatchdogVerdict, taskID, runID,
		verdict.Payload(),
		fmt.Sprintf("%s:%s:%s:WATCHDOG_VERDICT:%s", o.Project(), taskID, runID, verdict.Verdict),
		""))
	if verdict.Verdict != event.VerdictPass {
		o.logf("crewd: evidence for %s/%s graded %s: %v", taskID, runID, verdict.Verdict, verdict.Reasons)
		return verdict.Verdict
	}

	o.append(o.buildEvent(event.TypeWorkerRunCompleted, taskID, runID,
		map[string]any{"result": "success"},
		fmt.Sprintf("%s:%s:%s:WORKER_RUN_COMPLETED", o.Project(), taskID, runID),
		""))
	o.append(o.buildEvent(event.TypeRunClosed, taskID, runID,
		map[string]any{"closeReason": "completed_with_pass"},
		fmt.Sprintf("%s:%s:%s:RUN_CLOSED", o.Project(), taskID, runID),
		""))
	o.logf("crewd: evidence %s/%s approved", taskID, runID)
	return verdict.Verdict
}

// gradeEvidence runs the watchdog when the submission carries an auditable
// contract (digests or path safety). Bare file drops have nothing to
// audit and pass by default.
func (o *Orchestrator) gradeEvidence(payload map[string]any) watchdog.Verdict {
	ev := watchdog.EvidenceFromPayload(payload)
	if ev.EvidenceDigest == "" && ev.PatchDigest == "" && len(ev.PathSafety) == 0 && len(ev.Commands) == 0 {
		return watchdog.Verdict{
			Verdict:          event.VerdictPass,
			Reasons:          []string{},
			SuggestedActions: []string{},
			Details:          map[string]any{"checkPassed": true, "mode": "unaudited"},
			CheckedAt:        event.FormatTime(o.now()),
		}
	}
	return o.wd.Evaluate(ev)
}

// parseEvidenceBody extracts the changed-file bullets from an evidence
// markdown body.
func parseEvidenceBody(content string) map[string]any {
	var files []any
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "- ") || strings.Contains(trimmed, "Files Changed") || strings.Contains(trimmed, "**") {
			continue
		}
		if f := strings.TrimSpace(strings.TrimPrefix(trimmed, "- ")); f != "" {
			files = append(files, f)
		}
	}
	if files == nil {
		files = []any{}
	}
	return map[string]any{"filesChanged": files}
}

// parseEvidenceMessage extracts taskId, runId and changed files from a
// worker's evidence report message.
func parseEvidenceMessage(message string) (taskID, runID string, filesChanged []string) {
	for _, line := range strings.Split(message, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.Contains(trimmed, "**Task**:"):
			taskID = strings.TrimSpace(trimmed[strings.LastIndex(trimmed, ":")+1:])
		case strings.Contains(trimmed, "**Run**:"):
			runID = strings.TrimSpace(trimmed[strings.LastIndex(trimmed, ":")+1:])
		case strings.HasPrefix(trimmed, "- ") && !strings.Contains(trimmed, "Files Changed"):
			if f := strings.TrimSpace(strings.TrimPrefix(trimmed, "- ")); f != "" {
				filesChanged = append(filesChanged, f)
			}
		}
	}
	return taskID, runID, filesChanged
}
