package state

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/crewd/internal/event"
	"github.com/ppiankov/crewd/internal/model"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	n := 0
	return NewManager(Config{
		BaseDir: t.TempDir(),
		Now:     func() time.Time { return fixed },
		NewEventID: func() string {
			n++
			return "e-" + strings.Repeat("0", 31) + string(rune('a'+n-1))
		},
	})
}

func TestAppendAssignsIdentityAndSequence(t *testing.T) {
	m := testManager(t)

	res, err := m.AppendEvent(event.Event{
		Type:           event.TypeProjectStarted,
		Actor:          "pm",
		Project:        "demo",
		Payload:        map[string]any{},
		IdempotencyKey: "demo:PROJECT_STARTED",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.Status != StatusAppended {
		t.Fatalf("status = %q, want %q", res.Status, StatusAppended)
	}
	e := res.Event
	if e.SequenceNumber != 1 {
		t.Errorf("sequenceNumber = %d, want 1", e.SequenceNumber)
	}
	if e.SchemaVersion != 1 {
		t.Errorf("schemaVersion = %d, want 1", e.SchemaVersion)
	}
	if e.EventID == "" || !strings.HasPrefix(e.EventID, "e-") {
		t.Errorf("eventId = %q", e.EventID)
	}
	if e.At != "2026-03-14T09:26:53.589793Z" {
		t.Errorf("at = %q", e.At)
	}
	if e.CRC32 == "" {
		t.Error("stored event has no crc32")
	}
}

func TestAppendRequiresIdempotencyKey(t *testing.T) {
	m := testManager(t)
	_, err := m.AppendEvent(event.Event{Type: event.TypeProjectStarted, Payload: map[string]any{}})
	if !errors.Is(err, ErrMissingIdempotencyKey) {
		t.Fatalf("err = %v, want ErrMissingIdempotencyKey", err)
	}
}

func TestAppendDeduplicates(t *testing.T) {
	m := testManager(t)
	e := event.Event{
		Type:           event.TypeWorkerRunStarted,
		Project:        "demo",
		TaskID:         "t-1",
		RunID:          "r-1",
		Payload:        map[string]any{},
		IdempotencyKey: "demo:t-1:r-1:WORKER_RUN_STARTED",
	}

	first, err := m.AppendEvent(e)
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	second, err := m.AppendEvent(e)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if first.Status != StatusAppended || second.Status != StatusDeduped {
		t.Fatalf("statuses = %q, %q", first.Status, second.Status)
	}
	if second.Event != nil {
		t.Error("deduped append should not return an event")
	}

	data, err := os.ReadFile(m.Layout().EventsPath())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if got := strings.Count(string(data), "\n"); got != 1 {
		t.Errorf("log has %d lines, want 1", got)
	}
}

func TestAppendSequenceIsMonotonic(t *testing.T) {
	m := testManager(t)
	for i := 1; i <= 5; i++ {
		res, err := m.AppendEvent(event.Event{
			Type:           event.TypeWatchdogHeartbeat,
			Project:        "demo",
			Payload:        map[string]any{},
			IdempotencyKey: "demo:hb:" + string(rune('0'+i)),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if res.Event.SequenceNumber != int64(i) {
			t.Fatalf("append %d got sequence %d", i, res.Event.SequenceNumber)
		}
	}
}

func TestAppendRecoversSequenceFromLogTail(t *testing.T) {
	m := testManager(t)
	if _, err := m.AppendEvent(event.Event{
		Type: event.TypeProjectStarted, Project: "demo",
		Payload: map[string]any{}, IdempotencyKey: "k1",
	}); err != nil {
		t.Fatalf("seed append: %v", err)
	}
	if _, err := m.AppendEvent(event.Event{
		Type: event.TypeWatchdogHeartbeat, Project: "demo",
		Payload: map[string]any{}, IdempotencyKey: "k2",
	}); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	// Simulate a lost sequence file. The next append must continue from
	// the last log line, not restart at 1.
	if err := os.Remove(m.Layout().SequencePath()); err != nil {
		t.Fatalf("remove sequence: %v", err)
	}
	res, err := m.AppendEvent(event.Event{
		Type: event.TypeWatchdogHeartbeat, Project: "demo",
		Payload: map[string]any{}, IdempotencyKey: "k3",
	})
	if err != nil {
		t.Fatalf("append after sequence loss: %v", err)
	}
	if res.Event.SequenceNumber != 3 {
		t.Errorf("sequence = %d, want 3", res.Event.SequenceNumber)
	}
}

func TestAppendedLinesVerify(t *testing.T) {
	m := testManager(t)
	if _, err := m.AppendEvent(event.Event{
		Type: event.TypeEvidenceSubmitted, Project: "demo", TaskID: "t-1", RunID: "r-1",
		Payload:        map[string]any{"evidencePath": "evidence/t-1/r-1.md"},
		IdempotencyKey: "demo:t-1:r-1:EVIDENCE_SUBMITTED",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, err := os.ReadFile(m.Layout().EventsPath())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if _, err := event.DecodeLine([]byte(line)); err != nil {
			t.Errorf("stored line fails verification: %v", err)
		}
	}
}

func TestWriteStatusAtomic(t *testing.T) {
	m := testManager(t)
	s := model.NewStatus("demo")
	s.Project.Phase = model.PhaseRunning
	if err := m.WriteStatus(s); err != nil {
		t.Fatalf("write status: %v", err)
	}

	data, err := os.ReadFile(m.Layout().StatusPath())
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	var got model.Status
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if got.Project.Phase != model.PhaseRunning {
		t.Errorf("phase = %q", got.Project.Phase)
	}
	if _, err := os.Stat(m.Layout().StatusPath() + ".tmp"); !os.IsNotExist(err) {
		t.Error("tmp file left behind")
	}
}

func TestCorruptedEventPair(t *testing.T) {
	m := testManager(t)
	corrupted, recovery := m.CorruptedEventPair("demo", 7, "{broken", "json_decode_error")

	if corrupted.Type != event.TypeCorruptedLineDetected {
		t.Errorf("type = %q", corrupted.Type)
	}
	if recovery.Type != event.TypeRecoveryStarted {
		t.Errorf("type = %q", recovery.Type)
	}
	if !strings.HasPrefix(corrupted.IdempotencyKey, "demo:CORRUPTED_LINE:7:") {
		t.Errorf("key = %q", corrupted.IdempotencyKey)
	}
	if !strings.HasPrefix(recovery.IdempotencyKey, "demo:RECOVERY_STARTED:7:") {
		t.Errorf("key = %q", recovery.IdempotencyKey)
	}
	if corrupted.Payload["lineOffset"] != 7 {
		t.Errorf("lineOffset = %v", corrupted.Payload["lineOffset"])
	}

	// Re-detection of the same line yields identical keys.
	again, _ := m.CorruptedEventPair("demo", 7, "{broken", "json_decode_error")
	if again.IdempotencyKey != corrupted.IdempotencyKey {
		t.Error("keys differ for identical corruption")
	}
}
