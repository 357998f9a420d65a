package reduce

import (
	"sort"
	"time"

	"github.com/ppiankov/crewd/internal/event"
	"github.com/ppiankov/crewd/internal/model"
)

// runStatus accumulates the lifecycle flags of a task's bound run.
type runStatus struct {
	started   bool
	completed bool
	failed    bool
	aborted   bool
	verdict   string
}

// taskFold is the mutable per-task accumulator; it flattens into a
// model.TaskStatus at finish time.
type taskFold struct {
	taskID        string
	state         string
	gates         map[string]bool
	runID         string
	run           runStatus
	skillDecision map[string]any
	policyTier    string
	lastEvidence  map[string]any
	lastVerdict   map[string]any
	result        map[string]any
	taskSpec      map[string]any
}

type fold struct {
	project        string
	phase          string
	halted         bool
	mode           string
	degradedReason string
	watchdogAt     string
	watchdogState  string
	running        bool

	tasks    map[string]*taskFold
	order    []string
	openRuns map[string][]string
	risks    []map[string]any
	alerts   []map[string]any
}

func newFold() *fold {
	return &fold{
		project:       "unknown",
		phase:         model.PhaseRunning,
		mode:          model.ModeNormal,
		watchdogState: model.WatchdogHealthy,
		tasks:         map[string]*taskFold{},
		openRuns:      map[string][]string{},
	}
}

func (f *fold) task(taskID string) *taskFold {
	t, ok := f.tasks[taskID]
	if !ok {
		t = &taskFold{
			taskID: taskID,
			state:  model.StatePending,
			gates:  map[string]bool{},
		}
		f.tasks[taskID] = t
		f.order = append(f.order, taskID)
	}
	return t
}

func (t *taskFold) gate(name string, add bool) {
	if add {
		t.gates[name] = true
	} else {
		delete(t.gates, name)
	}
}

// recompute settles the terminal state after run or verdict transitions.
// Priority: blocked > canceled > done.
func (t *taskFold) recompute() {
	switch {
	case t.run.verdict == event.VerdictBlock || t.run.failed:
		t.state = model.StateBlocked
		t.gates = map[string]bool{}
	case t.run.aborted:
		t.state = model.StateCanceled
		t.gates = map[string]bool{}
	case t.run.completed && t.run.verdict == event.VerdictPass:
		t.state = model.StateDone
		if t.result == nil {
			t.result = map[string]any{}
		}
		if _, ok := t.result["quality"]; !ok {
			t.result["quality"] = "clean"
		}
		t.gates = map[string]bool{}
	}
}

func (f *fold) apply(e *event.Event) {
	if e.Project != "" {
		f.project = e.Project
	}

	switch e.Type {
	case event.TypeProjectStarted:
		f.running = true
		f.phase = model.PhaseRunning
	case event.TypeProjectFinished:
		f.running = false
		f.phase = model.PhaseFinished
		f.halted = false
	case event.TypeProjectHalted:
		f.halted = true
		f.phase = model.PhaseHalted
		f.running = false
	case event.TypeProjectResumed:
		f.halted = false
		f.phase = model.PhaseRunning
		f.running = true
	case event.TypeProjectModeRestored:
		f.mode = model.ModeNormal
		f.degradedReason = ""
	}

	if reason, ok := degradedReasons[e.Type]; ok {
		f.mode = model.ModeDegraded
		f.degradedReason = reason
	}

	switch e.Type {
	case event.TypeWatchdogHeartbeat:
		f.watchdogAt = e.At
		f.watchdogState = model.WatchdogHealthy
	case event.TypeWatchdogUnresponsive:
		f.watchdogState = model.WatchdogUnresponsive
	}

	if riskTypes[e.Type] {
		f.risks = append(f.risks, map[string]any{
			"type":    e.Type,
			"eventId": e.EventID,
			"payload": e.Payload,
		})
	}

	if e.TaskID == "" {
		return
	}
	t := f.task(e.TaskID)

	// Run binding: once a task is bound to a run, run-scoped events from
	// any other run are ignored.
	if runBound[e.Type] && t.runID != "" && e.RunID != "" && e.RunID != t.runID {
		return
	}

	switch e.Type {
	case event.TypeTaskSpecPublished:
		specs, _ := e.Payload["tasks"].([]any)
		if len(specs) > 0 {
			for _, raw := range specs {
				spec, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				tid, _ := spec["taskId"].(string)
				if tid == "" {
					tid = e.TaskID
				}
				st := f.task(tid)
				st.state = model.StatePending
				st.gate(model.GateAwaitingSkillDecision, true)
				st.taskSpec = spec
			}
		} else {
			t.state = model.StatePending
			t.gate(model.GateAwaitingSkillDecision, true)
			t.taskSpec = e.Payload
		}
	case event.TypeTaskSkillSet:
		t.gate(model.GateAwaitingSkillDecision, false)
		t.skillDecision = map[string]any{
			"chosenSkill": e.Payload["chosenSkill"],
			"decisionSeq": e.Payload["decisionSeq"],
		}
	case event.TypePolicyTierRequested:
		t.gate(model.GateAwaitingPolicyApproval, true)
	case event.TypePolicyTierApproved:
		t.gate(model.GateAwaitingPolicyApproval, false)
		t.policyTier = e.PayloadString("tier")
	case event.TypeVerdictTimeout:
		t.gate(model.GateNeedsHumanReview, true)
	case event.TypeWorkerRunIntent:
		if t.runID != e.RunID {
			t.run = runStatus{}
			t.lastEvidence = nil
			t.lastVerdict = nil
			t.result = nil
		}
		t.state = model.StateAssigned
		t.runID = e.RunID
		f.openRuns[e.TaskID] = append(f.openRuns[e.TaskID], e.RunID)
	case event.TypeWorkerRunStarted:
		t.state = model.StateRunning
		t.runID = e.RunID
		t.run.started = true
	case event.TypeWorkerRunCompleted:
		t.run.completed = true
		t.runID = e.RunID
		t.recompute()
	case event.TypeWorkerRunFailed:
		t.run.failed = true
		t.runID = e.RunID
		if reason := firstString(e.Payload, "reason", "error", "message"); reason != "" {
			if t.result == nil {
				t.result = map[string]any{}
			}
			if _, ok := t.result["failureReason"]; !ok {
				t.result["failureReason"] = reason
			}
		}
		t.recompute()
	case event.TypeWorkerRunAborted:
		t.run.aborted = true
		t.runID = e.RunID
		t.recompute()
	case event.TypeEvidenceSubmitted:
		t.gate(model.GateAwaitingVerdict, true)
		t.lastEvidence = e.Payload
	case event.TypeWatchdogVerdict:
		verdict := e.Verdict()
		t.run.verdict = verdict
		t.lastVerdict = e.Payload
		t.gate(model.GateAwaitingVerdict, false)
		switch verdict {
		case event.VerdictWarn:
			t.gate(model.GateNeedsHumanReview, true)
		case event.VerdictBlock:
			t.state = model.StateBlocked
			t.gates = map[string]bool{}
			f.alerts = append(f.alerts, map[string]any{
				"type":   "blocked",
				"taskId": e.TaskID,
				"runId":  e.RunID,
			})
		}
		t.recompute()
	case event.TypeHumanVerdict:
		verdict := e.Verdict()
		t.run.verdict = verdict
		t.lastVerdict = e.Payload
		switch verdict {
		case event.VerdictPass:
			t.gate(model.GateNeedsHumanReview, false)
			if t.result == nil {
				t.result = map[string]any{}
			}
			if _, ok := t.result["quality"]; !ok {
				t.result["quality"] = "warn_override"
			}
		case event.VerdictBlock:
			t.state = model.StateBlocked
			t.gates = map[string]bool{}
		}
		t.recompute()
	case event.TypeRunClosed:
		runs := f.openRuns[e.TaskID]
		kept := runs[:0]
		for _, r := range runs {
			if r != e.RunID {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(f.openRuns, e.TaskID)
		} else {
			f.openRuns[e.TaskID] = kept
		}
	}
}

// finish flattens the fold into a Status snapshot.
func (f *fold) finish(now time.Time) *model.Status {
	s := model.NewStatus(f.project)
	s.Project.Phase = f.phase
	s.Project.Halted = f.halted
	s.Project.Mode = f.mode
	s.Project.DegradedReason = f.degradedReason
	s.Watchdog.LastHeartbeatAt = f.watchdogAt
	s.Watchdog.State = f.watchdogState
	s.Risks = append(s.Risks, f.risks...)
	s.Alerts = append(s.Alerts, f.alerts...)

	// A silent watchdog cannot grade evidence, so anything still awaiting
	// a verdict is escalated to human review.
	if f.degradedReason == model.ReasonWatchdogUnresponsive {
		for _, t := range f.tasks {
			switch t.state {
			case model.StateDone, model.StateBlocked, model.StateCanceled:
				continue
			}
			if t.gates[model.GateAwaitingVerdict] {
				t.gate(model.GateNeedsHumanReview, true)
			}
		}
	}

	if f.running && !f.halted {
		s.Locks.Project = "running"
	} else {
		s.Locks.Project = "idle"
	}
	for taskID, runs := range f.openRuns {
		if len(runs) == 1 {
			s.Locks.Tasks[taskID] = runs[0]
			continue
		}
		s.Project.Mode = model.ModeDegraded
		s.Project.DegradedReason = model.ReasonMultipleOpenRuns
		s.Alerts = append(s.Alerts, map[string]any{
			"type":   "multiple_open_runs",
			"taskId": taskID,
			"runIds": runs,
		})
	}

	for _, taskID := range f.order {
		t := f.tasks[taskID]
		if t.state == model.StateDone {
			s.Project.Progress.Done++
			summary, _ := t.result["summary"].(string)
			evidencePath, _ := t.lastEvidence["evidencePath"].(string)
			s.Tasks = append(s.Tasks, model.TaskStatus{
				TaskID:        taskID,
				ResultSummary: summary,
				EvidencePath:  evidencePath,
				LastRunID:     t.runID,
				TaskSpec:      t.taskSpec,
			})
			continue
		}
		if t.state == model.StateBlocked {
			s.Project.Progress.Blocked++
		}
		gates := make([]string, 0, len(t.gates))
		for g := range t.gates {
			gates = append(gates, g)
		}
		sort.Strings(gates)
		s.Tasks = append(s.Tasks, model.TaskStatus{
			TaskID:        taskID,
			State:         t.state,
			Gates:         gates,
			RunID:         t.runID,
			SkillDecision: t.skillDecision,
			PolicyTier:    t.policyTier,
			LastEvidence:  t.lastEvidence,
			LastVerdict:   t.lastVerdict,
			Result:        t.result,
			TaskSpec:      t.taskSpec,
		})
	}
	s.Project.Progress.Total = len(s.Tasks)
	s.UpdatedAt = event.FormatTime(now)
	return s
}

func firstString(p map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := p[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
