package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/crewd/internal/event"
	"github.com/ppiankov/crewd/internal/gateway"
	"github.com/ppiankov/crewd/internal/model"
	"github.com/ppiankov/crewd/internal/skill"
)

// dispatchPending opens a run for every pending task with no blocking
// gates: WORKER_RUN_INTENT, then a gateway spawn, then WORKER_RUN_STARTED
// carrying the spawn outcome. Returns the number of dispatched tasks.
func (o *Orchestrator) dispatchPending(ctx context.Context, status *model.Status) int {
	if status.Project.Halted {
		return 0
	}

	dispatched := 0
	for i := range status.Tasks {
		task := &status.Tasks[i]
		if task.State != model.StatePending || len(task.Gates) > 0 {
			continue
		}

		runID := o.newRunID()
		intent := o.append(o.buildEvent(event.TypeWorkerRunIntent, task.TaskID, runID,
			map[string]any{"reason": "auto_dispatch"},
			fmt.Sprintf("%s:%s:%s:WORKER_RUN_INTENT", o.Project(), task.TaskID, runID),
			""))

		spawn := o.spawnWorker(ctx, task, runID)

		intentID := ""
		if intent != nil {
			intentID = intent.EventID
		}
		o.append(o.buildEvent(event.TypeWorkerRunStarted, task.TaskID, runID,
			map[string]any{"mode": "async", "spawnResult": spawn},
			fmt.Sprintf("%s:%s:%s:WORKER_RUN_STARTED", o.Project(), task.TaskID, runID),
			intentID))
		dispatched++
	}
	return dispatched
}

// spawnWorker asks the gateway for a new worker session running the task
// prompt. Spawn failures are recorded in the run, not raised: the worker
// timeout path reaps runs whose session never materialized.
func (o *Orchestrator) spawnWorker(ctx context.Context, task *model.TaskStatus, runID string) map[string]any {
	if o.gw == nil {
		return map[string]any{"status": "skipped", "reason": "no_gateway", "runId": runID}
	}

	prompt := o.workerPrompt(task)
	label := fmt.Sprintf("crew:%s:worker:%s", o.Project(), task.TaskID)
	raw, err := o.gw.SessionsSpawn(ctx, gateway.SpawnArgs{
		Task:              prompt,
		Label:             label,
		RunTimeoutSeconds: int(o.cfg.WorkerTimeout().Seconds()),
		Cleanup:           "keep",
	})
	if err != nil {
		o.logf("crewd: spawn worker for %s: %v", task.TaskID, err)
		return map[string]any{"status": "error", "error": err.Error(), "runId": runID}
	}

	details := spawnDetails(raw)
	return map[string]any{
		"status":     "spawned",
		"sessionKey": stringValue(details, "childSessionKey"),
		"runId":      runID,
	}
}

// spawnDetails unwraps the gateway's nested result envelope.
func spawnDetails(raw map[string]any) map[string]any {
	out := raw
	if r, ok := raw["result"].(map[string]any); ok {
		out = r
	}
	if d, ok := out["details"].(map[string]any); ok {
		out = d
	}
	return out
}

// workerPrompt renders the task brief handed to the spawned worker. A
// project-level templates/worker-system.md overrides the built-in preamble.
func (o *Orchestrator) workerPrompt(task *model.TaskStatus) string {
	system := fmt.Sprintf("You are a Worker for project %s.", o.Project())
	if data, err := os.ReadFile(filepath.Join(o.layout.Base, "templates", "worker-system.md")); err == nil {
		system = string(data)
	}

	spec := model.SpecFromPayload(task.TaskSpec)
	orchestratorSession := o.team.OrchestratorLabel()
	projectRoot := o.team.Path
	if projectRoot == "" {
		projectRoot = o.layout.Base
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n## Task: %s\n\n### Goal\n%s\n", system, task.TaskID, orDefault(spec.Goal, "Complete the task"))
	b.WriteString("\n### Acceptance Criteria\n")
	for _, ac := range spec.Acceptance {
		fmt.Fprintf(&b, "- [ ] %s\n", ac)
	}
	b.WriteString("\n### Context Files\n")
	for _, cf := range spec.ContextFiles {
		fmt.Fprintf(&b, "- %s\n", cf)
	}
	fmt.Fprintf(&b, `
## Instructions
1. Read the task above carefully
2. Complete the work according to the acceptance criteria
3. When done, submit evidence to the Orchestrator:
   - Use sessions_list to find the Orchestrator session
   - Use sessions_send --session-key %s --message "<evidence>" to submit

Project Root: %s
`, orchestratorSession, projectRoot)
	return b.String()
}

// checkWorkerTimeouts fails and closes running tasks whose
// WORKER_RUN_STARTED is older than workerTimeoutMinutes.
func (o *Orchestrator) checkWorkerTimeouts(status *model.Status, events []event.Event) {
	now := o.now()
	for i := range status.Tasks {
		task := &status.Tasks[i]
		if task.State != model.StateRunning || task.RunID == "" {
			continue
		}

		startedAt := timeOfRunStart(events, task.TaskID, task.RunID)
		if startedAt.IsZero() || now.Sub(startedAt) <= o.cfg.WorkerTimeout() {
			continue
		}

		failed := o.append(o.buildEvent(event.TypeWorkerRunFailed, task.TaskID, task.RunID,
			map[string]any{"reason": "worker_timeout"},
			fmt.Sprintf("%s:%s:%s:WORKER_RUN_FAILED:timeout", o.Project(), task.TaskID, task.RunID),
			""))
		failedID := ""
		if failed != nil {
			failedID = failed.EventID
		}
		o.append(o.buildEvent(event.TypeRunClosed, task.TaskID, task.RunID,
			map[string]any{"closeReason": "worker_timeout"},
			fmt.Sprintf("%s:%s:%s:RUN_CLOSED:timeout", o.Project(), task.TaskID, task.RunID),
			failedID))
	}
}

func timeOfRunStart(events []event.Event, taskID, runID string) time.Time {
	for i := range events {
		ev := &events[i]
		if ev.Type == event.TypeWorkerRunStarted && ev.TaskID == taskID && ev.RunID == runID {
			return ev.Time()
		}
	}
	return time.Time{}
}

// autoRetryBlocked reopens blocked tasks with a fresh run until maxRetries
// is exhausted. Disabled when maxRetries <= 0.
func (o *Orchestrator) autoRetryBlocked(status *model.Status, events []event.Event) int {
	if o.cfg.MaxRetries <= 0 || status.Project.Halted {
		return 0
	}

	retried := 0
	for i := range status.Tasks {
		task := &status.Tasks[i]
		if task.State != model.StateBlocked {
			continue
		}

		count := retryCount(events, task.TaskID)
		if count >= o.cfg.MaxRetries {
			continue
		}

		runID := o.newRunID()
		o.append(o.buildEvent(event.TypeWorkerRunIntent, task.TaskID, runID,
			map[string]any{"reason": fmt.Sprintf("auto_retry_%d", count+1)},
			fmt.Sprintf("%s:%s:%s:WORKER_RUN_INTENT:retry", o.Project(), task.TaskID, runID),
			""))
		o.append(o.buildEvent(event.TypeTaskRetried, task.TaskID, runID,
			map[string]any{
				"retryCount":    count + 1,
				"previousRunId": task.RunID,
				"reason":        "auto_retry_after_failure",
			},
			fmt.Sprintf("%s:%s:%s:TASK_RETRIED:%d", o.Project(), task.TaskID, runID, count+1),
			""))
		retried++
	}
	return retried
}

func retryCount(events []event.Event, taskID string) int {
	n := 0
	for i := range events {
		if events[i].Type == event.TypeTaskRetried && events[i].TaskID == taskID {
			n++
		}
	}
	return n
}

// SuggestSkills renders a confirmation prompt for every task gated on
// awaiting_skill_decision.
func (o *Orchestrator) SuggestSkills(status *model.Status) []string {
	registry := skill.LoadRegistry(o.layout.RegistryPath())
	router := skill.NewRouter(registry, o.team.Defaults.SkillMemory)

	var prompts []string
	for i := range status.Tasks {
		task := &status.Tasks[i]
		if !task.HasGate(model.GateAwaitingSkillDecision) {
			continue
		}
		spec := model.SpecFromPayload(task.TaskSpec)
		if spec.TaskID == "" {
			spec.TaskID = task.TaskID
		}
		prompts = append(prompts, router.Prompt(router.Suggest(spec)))
	}
	return prompts
}

func stringValue(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
