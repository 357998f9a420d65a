// Package orchestrator drives the project forward: every tick it repairs
// log corruption, enforces the BLOCK cascade, reconciles open runs,
// dispatches pending tasks, grades evidence, notifies results and retries
// failures. All decisions become events; the reducer turns events into the
// published status.
package orchestrator

import (
	"fmt"
	"os"
	"time"

	"github.com/ppiankov/crewd/internal/alert"
	"github.com/ppiankov/crewd/internal/config"
	"github.com/ppiankov/crewd/internal/event"
	"github.com/ppiankov/crewd/internal/gateway"
	"github.com/ppiankov/crewd/internal/ids"
	"github.com/ppiankov/crewd/internal/model"
	"github.com/ppiankov/crewd/internal/project"
	"github.com/ppiankov/crewd/internal/reduce"
	"github.com/ppiankov/crewd/internal/state"
	"github.com/ppiankov/crewd/internal/watchdog"
)

// Options wires an Orchestrator. Config is required; everything else has a
// working default. Now and NewRunID exist so tests can pin time and
// identity.
type Options struct {
	Config   *config.Config
	Gateway  *gateway.Client
	Alerts   *alert.Dispatcher
	Now      func() time.Time
	NewRunID func() string
	Logf     func(format string, args ...any)
}

// Orchestrator owns the tick loop for one project directory.
type Orchestrator struct {
	cfg      *config.Config
	layout   project.Layout
	team     project.Team
	sm       *state.Manager
	gw       *gateway.Client
	alerts   *alert.Dispatcher
	wd       *watchdog.Watchdog
	now      func() time.Time
	newRunID func() string
	logf     func(format string, args ...any)
}

// New builds an orchestrator rooted at opts.Config.BaseDir.
func New(opts Options) *Orchestrator {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newRunID := opts.NewRunID
	if newRunID == nil {
		newRunID = func() string { return ids.RunID("r") }
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		}
	}

	layout := project.Layout{Base: cfg.BaseDir}
	team := project.LoadTeam(layout.TeamPath())
	sm := state.NewManager(state.Config{
		BaseDir:     cfg.BaseDir,
		LockTimeout: cfg.LockTimeout(),
		Now:         now,
	})
	wd := watchdog.New(watchdog.Config{
		ProjectRoot: cfg.BaseDir,
		Now:         now,
	})

	return &Orchestrator{
		cfg:      cfg,
		layout:   layout,
		team:     team,
		sm:       sm,
		gw:       opts.Gateway,
		alerts:   opts.Alerts,
		wd:       wd,
		now:      now,
		newRunID: newRunID,
		logf:     logf,
	}
}

// Project returns the project name from team.json, "unknown" when unset.
func (o *Orchestrator) Project() string { return o.team.ProjectName() }

// Status replays the log into the current snapshot without publishing it.
func (o *Orchestrator) Status() (*model.Status, error) {
	result, err := reduce.Replay(o.layout, reduce.Options{Now: o.now})
	if err != nil {
		return nil, err
	}
	return result.Status, nil
}

// Layout exposes the resolved file layout.
func (o *Orchestrator) Layout() project.Layout { return o.layout }

// Manager exposes the write path, used by the CLI and the MCP server.
func (o *Orchestrator) Manager() *state.Manager { return o.sm }

// buildEvent assembles an orchestrator-authored event. RunID doubles as
// the correlation id so every event of one run threads together.
func (o *Orchestrator) buildEvent(etype, taskID, runID string, payload map[string]any, idempotencyKey, causationID string) event.Event {
	e := event.Event{
		Type:           etype,
		Actor:          "orchestrator",
		Project:        o.Project(),
		TaskID:         taskID,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		CausationID:    causationID,
	}
	if runID != "" {
		e.RunID = runID
		e.CorrelationID = runID
	}
	if label := o.team.Labels["orchestrator"]; label != "" {
		e.SessionLabel = label
	}
	return e
}

// append writes one event, logging rather than aborting the tick on
// failure. A failed append resurfaces next tick since every decision is
// recomputed from the log.
func (o *Orchestrator) append(e event.Event) *event.Event {
	res, err := o.sm.AppendEvent(e)
	if err != nil {
		o.logf("crewd: append %s: %v", e.Type, err)
		return nil
	}
	if res.Status != state.StatusAppended {
		return nil
	}
	return res.Event
}
