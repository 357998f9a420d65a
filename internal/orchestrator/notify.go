package orchestrator

import (
	"fmt"

	"github.com/ppiankov/crewd/internal/alert"
	"github.com/ppiankov/crewd/internal/event"
	"github.com/ppiankov/crewd/internal/model"
)

// taskResult is one terminal task outcome pending notification.
type taskResult struct {
	taskID       string
	state        string
	runID        string
	verdict      string
	quality      string
	failure      string
	summary      string
	evidencePath string
}

// processResults notifies every newly terminal task exactly once. The
// RESULT_NOTIFIED idempotency key carries the runId, so a retried task
// notifies again for its new run but never twice for the same one.
func (o *Orchestrator) processResults(status *model.Status) {
	for _, r := range o.aggregateResults(status) {
		o.notifyResult(r)
	}
}

func (o *Orchestrator) aggregateResults(status *model.Status) []taskResult {
	var results []taskResult
	for i := range status.Tasks {
		task := &status.Tasks[i]

		if task.Done() {
			results = append(results, taskResult{
				taskID:       task.TaskID,
				state:        model.StateDone,
				runID:        task.LastRunID,
				verdict:      event.VerdictPass,
				quality:      "clean",
				summary:      task.ResultSummary,
				evidencePath: task.EvidencePath,
			})
			continue
		}
		if task.State != model.StateBlocked || task.RunID == "" {
			continue
		}
		r := taskResult{
			taskID:  task.TaskID,
			state:   model.StateBlocked,
			runID:   task.RunID,
			failure: "unknown",
		}
		if v, ok := task.LastVerdict["verdict"].(string); ok {
			r.verdict = v
		}
		if q, ok := task.Result["quality"].(string); ok {
			r.quality = q
		}
		if f, ok := task.Result["failureReason"].(string); ok && f != "" {
			r.failure = f
		}
		results = append(results, r)
	}
	return results
}

// notifyResult records RESULT_NOTIFIED and fans out to the alert webhooks.
// The append dedupes; a deduped result was already notified and stays
// silent.
func (o *Orchestrator) notifyResult(r taskResult) {
	var msg string
	switch r.state {
	case model.StateDone:
		if r.quality == "warn_override" {
			msg = fmt.Sprintf("[%s] %s done (human override)", o.Project(), r.taskID)
		} else {
			msg = fmt.Sprintf("[%s] %s done", o.Project(), r.taskID)
		}
	case model.StateBlocked:
		msg = fmt.Sprintf("[%s] %s failed: %s", o.Project(), r.taskID, r.failure)
	default:
		return
	}

	appended := o.append(o.buildEvent(event.TypeResultNotified, r.taskID, r.runID,
		map[string]any{"channel": "webhook", "message": msg},
		fmt.Sprintf("%s:%s:%s:notified", o.Project(), r.taskID, r.runID),
		""))
	if appended == nil {
		return
	}

	o.logf("crewd: %s", msg)
	if o.alerts == nil {
		return
	}
	alertType := alert.EventDone
	reason := r.summary
	if r.state == model.StateBlocked {
		alertType = alert.EventBlocked
		reason = r.failure
	}
	o.alerts.Dispatch(o.alertEvent(alert.AlertEvent{
		TaskID:  r.taskID,
		RunID:   r.runID,
		Type:    alertType,
		Verdict: r.verdict,
		Reason:  reason,
		Summary: r.summary,
	}))
}

// alertEvent stamps the shared fields on an outgoing alert.
func (o *Orchestrator) alertEvent(a alert.AlertEvent) alert.AlertEvent {
	a.Timestamp = event.FormatTime(o.now())
	a.Project = o.Project()
	return a
}

// alertBlocked shapes the webhook payload for a BLOCK verdict cascade.
func alertBlocked(taskID, runID string, verdict *event.Event) alert.AlertEvent {
	reason := ""
	if rs, ok := verdict.Payload["reasons"].([]any); ok && len(rs) > 0 {
		if s, ok := rs[0].(string); ok {
			reason = s
		}
	}
	return alert.AlertEvent{
		TaskID:  taskID,
		RunID:   runID,
		Type:    alert.EventHalted,
		Verdict: event.VerdictBlock,
		Reason:  reason,
	}
}
