package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ppiankov/crewd/internal/event"
	"github.com/ppiankov/crewd/internal/reduce"
)

// Tick runs one full supervision pass and publishes the refreshed status.
func (o *Orchestrator) Tick(ctx context.Context) (*reduce.Result, error) {
	if err := o.layout.EnsureDirs(); err != nil {
		return nil, err
	}

	events, corrupted, err := reduce.ReadEvents(o.layout.EventsPath())
	if err != nil {
		return nil, err
	}
	if len(corrupted) > 0 {
		o.handleCorrupted(corrupted)
		events, _, err = reduce.ReadEvents(o.layout.EventsPath())
		if err != nil {
			return nil, err
		}
	}

	o.enforceBlockSequence(events)
	o.checkWatchdogHeartbeat(events)
	o.reconcileOpenRuns(events)

	// Recompute after enforcement so dispatch sees the settled state.
	result, err := reduce.Replay(o.layout, reduce.Options{Now: o.now, EmitDerived: true})
	if err != nil {
		return nil, err
	}

	o.dispatchPending(ctx, result.Status)
	o.checkWorkerTimeouts(result.Status, result.Events)
	o.processResults(result.Status)
	o.autoRetryBlocked(result.Status, result.Events)
	o.checkEvidenceFiles(result.Events)

	result, err = reduce.Replay(o.layout, reduce.Options{Now: o.now, EmitDerived: true})
	if err != nil {
		return nil, err
	}
	if err := o.sm.WriteStatus(result.Status); err != nil {
		return nil, err
	}
	return result, nil
}

// handleCorrupted records each unreadable line as a CORRUPTED_LINE_DETECTED
// plus RECOVERY_STARTED pair. The keys are content-addressed, so replaying
// the same corruption is a no-op.
func (o *Orchestrator) handleCorrupted(corrupted []reduce.Corrupted) {
	for _, c := range corrupted {
		corruptedEv, recoveryEv := o.sm.CorruptedEventPair(o.Project(), c.Line, c.Raw, c.Reason)
		o.append(corruptedEv)
		o.append(recoveryEv)
	}
}

// enforceBlockSequence guarantees every BLOCK verdict is followed by
// PROJECT_HALTED, WORKER_RUN_ABORTED and RUN_CLOSED, each caused by the
// verdict event. Crash-safe: missing links are re-derived from the log.
func (o *Orchestrator) enforceBlockSequence(events []event.Event) {
	idx := buildIndex(events)
	for i := range events {
		ev := &events[i]
		if ev.Type != event.TypeWatchdogVerdict || ev.Verdict() != event.VerdictBlock {
			continue
		}
		verdictID := ev.EventID
		taskID := ev.TaskID
		runID := ev.RunID
		if verdictID == "" || taskID == "" || runID == "" {
			continue
		}

		if !idx.haltedByVerdict[verdictID] {
			halted := o.append(o.buildEvent(event.TypeProjectHalted, taskID, runID,
				map[string]any{"haltReason": "blocked_by_watchdog", "verdictEventId": verdictID},
				fmt.Sprintf("%s:%s:%s:PROJECT_HALTED:%s", o.Project(), taskID, runID, verdictID),
				verdictID))
			// Alert once, on the halt itself, not on every re-scan of
			// the verdict.
			if halted != nil && o.alerts != nil {
				o.alerts.Dispatch(o.alertEvent(alertBlocked(taskID, runID, ev)))
			}
		}
		if !idx.aborted[taskRun{taskID, runID}] {
			o.append(o.buildEvent(event.TypeWorkerRunAborted, taskID, runID,
				map[string]any{"reason": "blocked_by_watchdog"},
				fmt.Sprintf("%s:%s:%s:WORKER_RUN_ABORTED", o.Project(), taskID, runID),
				verdictID))
		}
		if !idx.closed[taskRun{taskID, runID}] {
			o.append(o.buildEvent(event.TypeRunClosed, taskID, runID,
				map[string]any{"closeReason": "blocked_by_watchdog", "verdictEventId": verdictID},
				fmt.Sprintf("%s:%s:%s:RUN_CLOSED", o.Project(), taskID, runID),
				verdictID))
		}
	}
}

// checkWatchdogHeartbeat emits WATCHDOG_UNRESPONSIVE when the last
// heartbeat is older than the timeout. The idempotency key is bucketed by
// timeout window so a silent watchdog produces one event per window, not
// one per tick.
func (o *Orchestrator) checkWatchdogHeartbeat(events []event.Event) {
	idx := buildIndex(events)

	// No checks while the project is finished or halted.
	if !idx.lastFinishedAt.IsZero() &&
		(idx.lastStartedAt.IsZero() || idx.lastFinishedAt.After(idx.lastStartedAt)) {
		return
	}
	if !idx.lastHaltedAt.IsZero() &&
		(idx.lastResumedAt.IsZero() || idx.lastHaltedAt.After(idx.lastResumedAt)) {
		return
	}

	// Only the heartbeat itself counts. Using started/resumed here would
	// mask watchdog inactivity after a project restart.
	if idx.lastHeartbeatAt.IsZero() {
		return
	}

	now := o.now()
	if now.Sub(idx.lastHeartbeatAt) < o.cfg.HeartbeatTimeout() {
		return
	}

	window := now.Unix() / int64(o.cfg.HeartbeatTimeoutSec)
	o.append(o.buildEvent(event.TypeWatchdogUnresponsive, "", "",
		map[string]any{"lastHeartbeatAt": event.FormatTime(idx.lastHeartbeatAt)},
		fmt.Sprintf("%s:WATCHDOG_UNRESPONSIVE:%d", o.Project(), window),
		""))
}

// runRecord tracks one run's terminal evidence for reconciliation.
type runRecord struct {
	taskID           string
	runID            string
	closed           bool
	completed        bool
	failed           bool
	aborted          bool
	verdict          string
	intentAt         time.Time
	startedAt        time.Time
	verdictEventID   string
	failedEventID    string
	abortedEventID   string
	completedEventID string
}

// reconcileOpenRuns closes runs that already reached a terminal condition
// but lost their RUN_CLOSED (crash between appends), and fails runs that
// have been open with no progress for longer than staleRunMinutes.
func (o *Orchestrator) reconcileOpenRuns(events []event.Event) {
	sorted := make([]event.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].SequenceNumber != sorted[j].SequenceNumber {
			return sorted[i].SequenceNumber < sorted[j].SequenceNumber
		}
		return sorted[i].EventID < sorted[j].EventID
	})

	runs := map[taskRun]*runRecord{}
	var order []taskRun
	get := func(taskID, runID string) *runRecord {
		key := taskRun{taskID, runID}
		r, ok := runs[key]
		if !ok {
			r = &runRecord{taskID: taskID, runID: runID}
			runs[key] = r
			order = append(order, key)
		}
		return r
	}

	for i := range sorted {
		ev := &sorted[i]
		if ev.TaskID == "" || ev.RunID == "" {
			continue
		}
		r := get(ev.TaskID, ev.RunID)
		ts := ev.Time()
		switch ev.Type {
		case event.TypeWorkerRunIntent:
			if r.intentAt.IsZero() {
				r.intentAt = ts
			}
		case event.TypeWorkerRunStarted:
			if r.startedAt.IsZero() {
				r.startedAt = ts
			}
		case event.TypeWorkerRunCompleted:
			r.completed = true
			r.completedEventID = ev.EventID
		case event.TypeWorkerRunFailed:
			r.failed = true
			r.failedEventID = ev.EventID
		case event.TypeWorkerRunAborted:
			r.aborted = true
			r.abortedEventID = ev.EventID
		case event.TypeWatchdogVerdict, event.TypeHumanVerdict:
			r.verdict = ev.Verdict()
			r.verdictEventID = ev.EventID
		case event.TypeRunClosed:
			r.closed = true
		}
	}

	now := o.now()
	for _, key := range order {
		r := runs[key]
		if r.closed {
			continue
		}

		terminal := r.verdict == event.VerdictBlock || r.failed || r.aborted ||
			(r.completed && r.verdict == event.VerdictPass)
		if terminal {
			causationID := firstNonEmpty(r.verdictEventID, r.failedEventID, r.abortedEventID, r.completedEventID)
			o.append(o.buildEvent(event.TypeRunClosed, r.taskID, r.runID,
				map[string]any{"closeReason": "recovered_close", "verdictEventId": r.verdictEventID},
				fmt.Sprintf("%s:%s:%s:RUN_CLOSED", o.Project(), r.taskID, r.runID),
				causationID))
			continue
		}

		// Runs that reached WORKER_RUN_STARTED belong to the worker
		// timeout path; stale reconciliation covers runs whose session
		// never materialized.
		if !r.startedAt.IsZero() {
			continue
		}
		if r.intentAt.IsZero() || now.Sub(r.intentAt) < o.cfg.StaleRunAge() {
			continue
		}

		failed := o.append(o.buildEvent(event.TypeWorkerRunFailed, r.taskID, r.runID,
			map[string]any{"reason": "stale_after_restart"},
			fmt.Sprintf("%s:%s:%s:WORKER_RUN_FAILED", o.Project(), r.taskID, r.runID),
			""))
		failedID := ""
		if failed != nil {
			failedID = failed.EventID
		}
		o.append(o.buildEvent(event.TypeRunClosed, r.taskID, r.runID,
			map[string]any{"closeReason": "stale_after_restart"},
			fmt.Sprintf("%s:%s:%s:RUN_CLOSED", o.Project(), r.taskID, r.runID),
			failedID))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
