// Package project defines the on-disk layout of a crewd project directory
// and the team.json metadata that names it.
package project

import (
	"fmt"
	"os"
	"path/filepath"
)

const dirPerm = 0o750

// Layout resolves every file the orchestrator touches, relative to the
// project base directory.
type Layout struct {
	Base string
}

// AuditDir holds the append-only log and the security log.
func (l Layout) AuditDir() string { return filepath.Join(l.Base, "audit") }

// DerivedDir holds rewritable projections of the log.
func (l Layout) DerivedDir() string { return filepath.Join(l.Base, "derived") }

// EvidenceDir is the filesystem drop-point workers may write evidence to.
func (l Layout) EvidenceDir() string { return filepath.Join(l.Base, "evidence") }

// EventsPath is the append-only event log.
func (l Layout) EventsPath() string { return filepath.Join(l.AuditDir(), "events.ndjson") }

// SecurityLogPath records lock-timeout diagnostics.
func (l Layout) SecurityLogPath() string { return filepath.Join(l.AuditDir(), "security.log") }

// SequencePath persists {lastSequence, updatedAt}.
func (l Layout) SequencePath() string { return filepath.Join(l.DerivedDir(), "sequence.json") }

// IdempotencyIndexPath persists {keys: {key -> sequenceNumber}}.
func (l Layout) IdempotencyIndexPath() string {
	return filepath.Join(l.DerivedDir(), "idempotency-index.json")
}

// VerdictsPath is the read-only projection of WATCHDOG_VERDICT events.
func (l Layout) VerdictsPath() string {
	return filepath.Join(l.DerivedDir(), "watchdog-verdicts.ndjson")
}

// LocksIndexPath is the read-only projection of the lock table.
func (l Layout) LocksIndexPath() string { return filepath.Join(l.DerivedDir(), "locks-index.json") }

// StatusPath is the published snapshot.
func (l Layout) StatusPath() string { return filepath.Join(l.Base, "status.json") }

// TeamPath is the project metadata file.
func (l Layout) TeamPath() string { return filepath.Join(l.Base, "team.json") }

// RegistryPath is the skill registry consumed by the router.
func (l Layout) RegistryPath() string { return filepath.Join(l.Base, "registry.json") }

// LockPath returns the lock sidecar for a protected file.
func LockPath(path string) string { return path + ".lock" }

// TaskEvidencePath returns evidence/<taskId>/<runId>.md.
func (l Layout) TaskEvidencePath(taskID, runID string) string {
	return filepath.Join(l.EvidenceDir(), taskID, runID+".md")
}

// EnsureDirs creates the directory skeleton. Idempotent.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.Base, l.AuditDir(), l.DerivedDir(), l.EvidenceDir()} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
