package orchestrator

import (
	"time"

	"github.com/ppiankov/crewd/internal/event"
)

// taskRun keys per-run bookkeeping.
type taskRun struct {
	taskID string
	runID  string
}

// eventIndex is a single pass over the log collecting the facts the tick
// phases need: which BLOCK verdicts already halted the project, which runs
// were aborted or closed, and the latest lifecycle timestamps.
type eventIndex struct {
	haltedByVerdict map[string]bool
	aborted         map[taskRun]bool
	closed          map[taskRun]bool

	lastHeartbeatAt time.Time
	lastStartedAt   time.Time
	lastResumedAt   time.Time
	lastHaltedAt    time.Time
	lastFinishedAt  time.Time
}

func buildIndex(events []event.Event) *eventIndex {
	idx := &eventIndex{
		haltedByVerdict: map[string]bool{},
		aborted:         map[taskRun]bool{},
		closed:          map[taskRun]bool{},
	}
	latest := func(dst *time.Time, ts time.Time) {
		if !ts.IsZero() && ts.After(*dst) {
			*dst = ts
		}
	}

	for i := range events {
		ev := &events[i]
		ts := ev.Time()
		switch ev.Type {
		case event.TypeProjectHalted:
			verdictID := ev.CausationID
			if verdictID == "" {
				verdictID = ev.PayloadString("verdictEventId")
			}
			if verdictID != "" {
				idx.haltedByVerdict[verdictID] = true
			}
			latest(&idx.lastHaltedAt, ts)
		case event.TypeWorkerRunAborted:
			idx.aborted[taskRun{ev.TaskID, ev.RunID}] = true
		case event.TypeRunClosed:
			idx.closed[taskRun{ev.TaskID, ev.RunID}] = true
		case event.TypeWatchdogHeartbeat:
			latest(&idx.lastHeartbeatAt, ts)
		case event.TypeProjectStarted:
			latest(&idx.lastStartedAt, ts)
		case event.TypeProjectResumed:
			latest(&idx.lastResumedAt, ts)
		case event.TypeProjectFinished:
			latest(&idx.lastFinishedAt, ts)
		}
	}
	return idx
}
