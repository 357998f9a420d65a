// Package state implements the durable write path: idempotent event append
// under an advisory lock, monotonic sequence numbering, and atomic status
// publication. All cross-process coordination happens through per-file
// lock sidecars; the manager itself keeps no state between calls.
package state

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ppiankov/crewd/internal/event"
	"github.com/ppiankov/crewd/internal/filelock"
	"github.com/ppiankov/crewd/internal/ids"
	"github.com/ppiankov/crewd/internal/model"
	"github.com/ppiankov/crewd/internal/project"
)

// ErrMissingIdempotencyKey rejects appends without a deduplication tag.
var ErrMissingIdempotencyKey = errors.New("idempotencyKey is required")

// Append result statuses.
const (
	StatusAppended = "appended"
	StatusDeduped  = "deduped"
)

// AppendResult reports the outcome of one append. Event is nil when the
// idempotency key was already present.
type AppendResult struct {
	Status string
	Event  *event.Event
}

// Config parameterizes a Manager. Zero values take defaults; Now and
// NewEventID exist so tests can pin time and identity.
type Config struct {
	BaseDir     string
	LockTimeout time.Duration
	Now         func() time.Time
	NewEventID  func() string
}

// Manager owns the write path for one project directory.
type Manager struct {
	layout      project.Layout
	lockTimeout time.Duration
	now         func() time.Time
	newEventID  func() string
}

// NewManager creates a manager rooted at cfg.BaseDir.
func NewManager(cfg Config) *Manager {
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = filelock.DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewEventID == nil {
		cfg.NewEventID = ids.EventID
	}
	return &Manager{
		layout:      project.Layout{Base: cfg.BaseDir},
		lockTimeout: cfg.LockTimeout,
		now:         cfg.Now,
		newEventID:  cfg.NewEventID,
	}
}

// Layout exposes the resolved file layout.
func (m *Manager) Layout() project.Layout { return m.layout }

// AppendEvent appends e to the event log, assigning eventId, schema
// version, sequence number, and timestamp where absent. Appends with a
// previously seen idempotencyKey return {deduped, nil} without writing.
// Lock timeouts are recorded in the security log and returned to the
// caller as *filelock.TimeoutError.
func (m *Manager) AppendEvent(e event.Event) (AppendResult, error) {
	if err := m.layout.EnsureDirs(); err != nil {
		return AppendResult{}, err
	}
	if e.IdempotencyKey == "" {
		return AppendResult{}, ErrMissingIdempotencyKey
	}

	lockPath := project.LockPath(m.layout.EventsPath())
	lock, err := filelock.Acquire(lockPath, filelock.Options{Timeout: m.lockTimeout})
	if err != nil {
		m.logLockTimeout(m.layout.EventsPath(), err)
		return AppendResult{}, err
	}
	defer lock.Release()

	keys := m.loadIdempotencyIndex()
	if _, seen := keys[e.IdempotencyKey]; seen {
		return AppendResult{Status: StatusDeduped}, nil
	}

	seq := m.lastSequence() + 1
	if e.EventID == "" {
		e.EventID = m.newEventID()
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = 1
	}
	if e.SequenceNumber == 0 {
		e.SequenceNumber = seq
	}
	if e.At == "" {
		e.At = event.FormatTime(m.now())
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}

	line, err := event.EncodeLine(e)
	if err != nil {
		return AppendResult{}, fmt.Errorf("state: encode event: %w", err)
	}
	if err := appendLineSynced(m.layout.EventsPath(), line); err != nil {
		return AppendResult{}, fmt.Errorf("state: append event: %w", err)
	}

	keys[e.IdempotencyKey] = seq
	if err := WriteJSONAtomic(m.layout.IdempotencyIndexPath(), map[string]any{"keys": keys}); err != nil {
		return AppendResult{}, fmt.Errorf("state: save idempotency index: %w", err)
	}
	if err := WriteJSONAtomic(m.layout.SequencePath(), map[string]any{
		"lastSequence": seq,
		"updatedAt":    event.FormatTime(m.now()),
	}); err != nil {
		return AppendResult{}, fmt.Errorf("state: save sequence: %w", err)
	}

	// Fill the stored checksum on the returned copy.
	decoded, derr := event.DecodeLine(line)
	if derr == nil {
		e = decoded
	}
	return AppendResult{Status: StatusAppended, Event: &e}, nil
}

// WriteStatus atomically publishes the snapshot under the status lock.
func (m *Manager) WriteStatus(s *model.Status) error {
	if err := m.layout.EnsureDirs(); err != nil {
		return err
	}
	lockPath := project.LockPath(m.layout.StatusPath())
	lock, err := filelock.Acquire(lockPath, filelock.Options{Timeout: m.lockTimeout})
	if err != nil {
		m.logLockTimeout(m.layout.StatusPath(), err)
		return err
	}
	defer lock.Release()
	return WriteJSONAtomic(m.layout.StatusPath(), s)
}

// CorruptedEventPair builds the CORRUPTED_LINE_DETECTED and
// RECOVERY_STARTED template events for one bad line. Both are keyed on
// (project, line offset, content hash) so repeated restarts over the same
// corruption collapse via idempotency.
func (m *Manager) CorruptedEventPair(proj string, lineOffset int, rawLine, reason string) (event.Event, event.Event) {
	sum := sha256.Sum256([]byte(rawLine))
	contentHash := hex.EncodeToString(sum[:])
	payload := map[string]any{
		"lineOffset":  lineOffset,
		"contentHash": contentHash,
		"reason":      reason,
	}
	corrupted := event.Event{
		Type:           event.TypeCorruptedLineDetected,
		Actor:          "orchestrator",
		Project:        proj,
		Payload:        payload,
		IdempotencyKey: fmt.Sprintf("%s:CORRUPTED_LINE:%d:%s", proj, lineOffset, contentHash),
	}
	recovery := event.Event{
		Type:           event.TypeRecoveryStarted,
		Actor:          "orchestrator",
		Project:        proj,
		Payload:        payload,
		IdempotencyKey: fmt.Sprintf("%s:RECOVERY_STARTED:%d:%s", proj, lineOffset, contentHash),
	}
	return corrupted, recovery
}

// loadIdempotencyIndex returns the persisted key map, empty on any error —
// the log line fallback in lastSequence keeps appends safe regardless.
func (m *Manager) loadIdempotencyIndex() map[string]int64 {
	data, err := os.ReadFile(m.layout.IdempotencyIndexPath())
	if err != nil {
		return map[string]int64{}
	}
	var idx struct {
		Keys map[string]int64 `json:"keys"`
	}
	if err := json.Unmarshal(data, &idx); err != nil || idx.Keys == nil {
		return map[string]int64{}
	}
	return idx.Keys
}

// lastSequence reads derived/sequence.json, falling back to the
// sequenceNumber of the last parseable log line, then to 0.
func (m *Manager) lastSequence() int64 {
	if data, err := os.ReadFile(m.layout.SequencePath()); err == nil {
		var seq struct {
			LastSequence int64 `json:"lastSequence"`
		}
		if err := json.Unmarshal(data, &seq); err == nil && seq.LastSequence > 0 {
			return seq.LastSequence
		}
	}

	f, err := os.Open(m.layout.EventsPath())
	if err != nil {
		return 0
	}
	defer f.Close()

	var lastLine []byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		lastLine = append(lastLine[:0], scanner.Bytes()...)
	}
	if len(lastLine) == 0 {
		return 0
	}
	var tail struct {
		SequenceNumber int64 `json:"sequenceNumber"`
	}
	if err := json.Unmarshal(lastLine, &tail); err != nil {
		return 0
	}
	return tail.SequenceNumber
}

// logLockTimeout appends a diagnostic line to audit/security.log when err
// is a lock timeout. Other errors are the caller's problem.
func (m *Manager) logLockTimeout(path string, err error) {
	var te *filelock.TimeoutError
	if !errors.As(err, &te) {
		return
	}
	entry := map[string]any{
		"type":    event.TypeLockTimeoutDetected,
		"path":    path,
		"timeout": te.Timeout.Seconds(),
		"holder":  te.Holder,
		"at":      event.FormatTime(m.now()),
	}
	line, merr := json.Marshal(entry)
	if merr != nil {
		return
	}
	if werr := appendLineSynced(m.layout.SecurityLogPath(), line); werr != nil {
		fmt.Fprintf(os.Stderr, "crewd: security log: %v\n", werr)
	}
}
