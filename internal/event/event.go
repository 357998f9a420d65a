// Package event defines the append-only event record shared by every actor
// in a crewd project, together with its canonical JSON encoding and CRC-32
// integrity check. The event log is the single source of truth; everything
// else (status.json, derived indexes) is a projection of it.
package event

import (
	"time"
)

// TimestampFormat is the wire format for the "at" field: UTC, microsecond
// precision, Z suffix.
const TimestampFormat = "2006-01-02T15:04:05.000000Z"

// Event type enumeration. The set is closed: the reducer ignores nothing —
// an unknown type in the log is a schema error upstream, not here.
const (
	// Lifecycle.
	TypeTeamCreated         = "TEAM_CREATED"
	TypeProjectStarted      = "PROJECT_STARTED"
	TypeProjectFinished     = "PROJECT_FINISHED"
	TypeProjectHalted       = "PROJECT_HALTED"
	TypeProjectResumed      = "PROJECT_RESUMED"
	TypeProjectModeRestored = "PROJECT_MODE_RESTORED"

	// Task flow.
	TypeTaskSpecPublished   = "TASKSPEC_PUBLISHED"
	TypeTaskSkillSet        = "TASK_SKILL_SET"
	TypePolicyTierRequested = "POLICY_TIER_REQUESTED"
	TypePolicyTierApproved  = "POLICY_TIER_APPROVED"

	// Run flow.
	TypeWorkerRunIntent    = "WORKER_RUN_INTENT"
	TypeWorkerRunStarted   = "WORKER_RUN_STARTED"
	TypeWorkerRunCompleted = "WORKER_RUN_COMPLETED"
	TypeWorkerRunFailed    = "WORKER_RUN_FAILED"
	TypeWorkerRunAborted   = "WORKER_RUN_ABORTED"
	TypeRunClosed          = "RUN_CLOSED"

	// Verdict.
	TypeEvidenceSubmitted = "EVIDENCE_SUBMITTED"
	TypeWatchdogVerdict   = "WATCHDOG_VERDICT"
	TypeWatchdogHeartbeat = "WATCHDOG_HEARTBEAT"
	TypeHumanVerdict      = "HUMAN_VERDICT"

	// Diagnostics.
	TypeMessageIgnored        = "MESSAGE_IGNORED"
	TypeWatchdogUnresponsive  = "WATCHDOG_UNRESPONSIVE"
	TypeVerdictTimeout        = "VERDICT_TIMEOUT"
	TypeLockTimeoutDetected   = "LOCK_TIMEOUT_DETECTED"
	TypeCorruptedLineDetected = "CORRUPTED_LINE_DETECTED"
	TypeRecoveryStarted       = "RECOVERY_STARTED"
	TypeTaskRetried           = "TASK_RETRIED"
	TypeResultNotified        = "RESULT_NOTIFIED"
)

// Verdict values carried in WATCHDOG_VERDICT / HUMAN_VERDICT payloads.
const (
	VerdictPass  = "PASS"
	VerdictWarn  = "WARN"
	VerdictBlock = "BLOCK"
)

// Event is one immutable record in audit/events.ndjson. Fields the State
// Manager assigns at append time (eventId, sequenceNumber, at, crc32) are
// left empty by producers.
type Event struct {
	Type           string         `json:"type"`
	EventID        string         `json:"eventId,omitempty"`
	SequenceNumber int64          `json:"sequenceNumber,omitempty"`
	SchemaVersion  int            `json:"schemaVersion,omitempty"`
	At             string         `json:"at,omitempty"`
	Actor          string         `json:"actor,omitempty"`
	Project        string         `json:"project,omitempty"`
	TaskID         string         `json:"taskId,omitempty"`
	RunID          string         `json:"runId,omitempty"`
	SessionLabel   string         `json:"sessionLabel,omitempty"`
	CorrelationID  string         `json:"correlationId,omitempty"`
	CausationID    string         `json:"causationId,omitempty"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	CRC32          string         `json:"crc32,omitempty"`
}

// PayloadString returns payload[key] as a string, or "" when absent or not
// a string. Payloads are schema-less per event type, so every consumption
// site goes through accessors like this one.
func (e *Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// Verdict returns payload["verdict"] for verdict-carrying events.
func (e *Event) Verdict() string {
	return e.PayloadString("verdict")
}

// Time parses the "at" timestamp. Returns the zero time when absent or
// malformed; callers treat that as "no usable timestamp".
func (e *Event) Time() time.Time {
	return ParseTime(e.At)
}

// FormatTime renders t in the event wire format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// ParseTime parses an event timestamp. Zero time on failure.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(TimestampFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
