// Package reduce folds the event log into the Status snapshot and the
// derived projections. The fold is pure: same log, same snapshot, no matter
// how many times it replays. Corrupted lines are skipped and reported, never
// repaired here.
package reduce

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/ppiankov/crewd/internal/event"
	"github.com/ppiankov/crewd/internal/model"
	"github.com/ppiankov/crewd/internal/project"
	"github.com/ppiankov/crewd/internal/state"
)

// Corrupted describes one unusable log line.
type Corrupted struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
	Raw    string `json:"raw"`
}

// Result is one replay outcome.
type Result struct {
	Status    *model.Status
	Events    []event.Event
	Corrupted []Corrupted
	Alerts    []map[string]any
}

// Options tunes a replay. Now defaults to time.Now; EmitDerived controls
// whether watchdog-verdicts.ndjson and locks-index.json are rewritten.
type Options struct {
	Now         func() time.Time
	EmitDerived bool
}

// ReadEvents scans the log line by line. Lines that fail JSON decoding or
// the CRC check are collected as Corrupted and excluded from the fold. A
// missing log file is an empty log.
func ReadEvents(path string) ([]event.Event, []Corrupted, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("reduce: open %s: %w", path, err)
	}
	defer f.Close()

	var events []event.Event
	var corrupted []Corrupted
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		e, err := event.DecodeLine(raw)
		if err != nil {
			corrupted = append(corrupted, Corrupted{
				Line:   line,
				Reason: err.Error(),
				Raw:    string(raw),
			})
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("reduce: scan %s: %w", path, err)
	}
	return events, corrupted, nil
}

// runBound marks event types whose effect is scoped to one run. When a task
// already has a bound run, events carrying a different runId are ignored so
// a zombie worker from a superseded run cannot mutate the task.
var runBound = map[string]bool{
	event.TypeWorkerRunStarted:   true,
	event.TypeWorkerRunCompleted: true,
	event.TypeWorkerRunFailed:    true,
	event.TypeWorkerRunAborted:   true,
	event.TypeEvidenceSubmitted:  true,
	event.TypeWatchdogVerdict:    true,
	event.TypeHumanVerdict:       true,
}

var degradedReasons = map[string]string{
	event.TypeWatchdogUnresponsive: model.ReasonWatchdogUnresponsive,
	event.TypeVerdictTimeout:       model.ReasonVerdictTimeout,
	event.TypeRecoveryStarted:      model.ReasonRecoveryInProgress,
}

var riskTypes = map[string]bool{
	event.TypeMessageIgnored:        true,
	event.TypeWatchdogUnresponsive:  true,
	event.TypeVerdictTimeout:        true,
	event.TypeLockTimeoutDetected:   true,
	event.TypeCorruptedLineDetected: true,
}

// Replay reads the log under layout and folds it into a Status.
func Replay(layout project.Layout, opts Options) (*Result, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	events, corrupted, err := ReadEvents(layout.EventsPath())
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].SequenceNumber != events[j].SequenceNumber {
			return events[i].SequenceNumber < events[j].SequenceNumber
		}
		return events[i].EventID < events[j].EventID
	})

	f := newFold()
	seen := map[string]bool{}
	for i := range events {
		e := &events[i]
		if e.IdempotencyKey != "" {
			if seen[e.IdempotencyKey] {
				continue
			}
			seen[e.IdempotencyKey] = true
		}
		f.apply(e)
	}
	status := f.finish(opts.Now())

	var alerts []map[string]any
	for _, c := range corrupted {
		sum := sha256.Sum256([]byte(c.Raw))
		alerts = append(alerts, map[string]any{
			"type":   "corrupted_line",
			"line":   c.Line,
			"reason": c.Reason,
			"hash":   hex.EncodeToString(sum[:]),
		})
	}
	status.Alerts = append(status.Alerts, alerts...)

	if opts.EmitDerived {
		if err := emitDerived(layout, events, status); err != nil {
			return nil, err
		}
	}

	return &Result{Status: status, Events: events, Corrupted: corrupted, Alerts: alerts}, nil
}

func emitDerived(layout project.Layout, events []event.Event, status *model.Status) error {
	if err := os.MkdirAll(layout.DerivedDir(), 0o750); err != nil {
		return fmt.Errorf("reduce: create derived dir: %w", err)
	}

	vf, err := os.Create(layout.VerdictsPath())
	if err != nil {
		return fmt.Errorf("reduce: create verdicts projection: %w", err)
	}
	w := bufio.NewWriter(vf)
	for i := range events {
		if events[i].Type != event.TypeWatchdogVerdict {
			continue
		}
		line, err := json.Marshal(&events[i])
		if err != nil {
			vf.Close()
			return fmt.Errorf("reduce: marshal verdict: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		vf.Close()
		return fmt.Errorf("reduce: write verdicts projection: %w", err)
	}
	if err := vf.Close(); err != nil {
		return fmt.Errorf("reduce: close verdicts projection: %w", err)
	}

	if err := state.WriteJSONAtomic(layout.LocksIndexPath(), status.Locks); err != nil {
		return fmt.Errorf("reduce: write locks index: %w", err)
	}
	return nil
}
