package ids

import (
	"sort"
	"strings"
	"testing"
	"time"
)

func TestUUIDv7Shape(t *testing.T) {
	id := UUIDv7()
	parts := strings.Split(id, "-")
	if len(parts) != 5 {
		t.Fatalf("expected 5 dash-separated groups, got %q", id)
	}
	if parts[2][0] != '7' {
		t.Errorf("version nibble = %c, want 7 (%s)", parts[2][0], id)
	}
	switch parts[3][0] {
	case '8', '9', 'a', 'b':
	default:
		t.Errorf("variant nibble = %c, want one of 89ab (%s)", parts[3][0], id)
	}
}

func TestUUIDv7Ordering(t *testing.T) {
	a := UUIDv7()
	time.Sleep(2 * time.Millisecond)
	b := UUIDv7()
	got := []string{b, a}
	sort.Strings(got)
	if got[0] != a {
		t.Errorf("identifiers not time-ordered: %s should sort before %s", a, b)
	}
}

func TestUUIDv7Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := UUIDv7()
		if seen[id] {
			t.Fatalf("duplicate identifier %s", id)
		}
		seen[id] = true
	}
}

func TestRunIDPrefix(t *testing.T) {
	if got := RunID(""); !strings.HasPrefix(got, "r-") {
		t.Errorf("RunID(\"\") = %q, want r- prefix", got)
	}
	if got := RunID("retry"); !strings.HasPrefix(got, "retry-") {
		t.Errorf("RunID(retry) = %q, want retry- prefix", got)
	}
}

func TestEventIDShape(t *testing.T) {
	id := EventID()
	if !strings.HasPrefix(id, "e-") {
		t.Fatalf("EventID = %q, want e- prefix", id)
	}
	if len(id) != 2+32 {
		t.Errorf("EventID length = %d, want 34", len(id))
	}
	if strings.Contains(id[2:], "-") {
		t.Errorf("EventID hex part must not contain dashes: %s", id)
	}
}
