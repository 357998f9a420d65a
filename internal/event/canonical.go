package event

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"hash/crc32"
)

// Canonical encoding rules: lexicographically sorted keys at every level, no
// whitespace between tokens, Unicode preserved (no HTML or ASCII escaping),
// and the crc32 field forced to the empty string. The UTF-8 bytes of this
// form are the CRC-32 input and the on-disk line format (with the computed
// value substituted before writing).

// Canonical returns the canonical JSON encoding of the event with crc32
// blanked. Deterministic for any two structurally equal events.
func Canonical(e Event) ([]byte, error) {
	m, err := toMap(e)
	if err != nil {
		return nil, err
	}
	m["crc32"] = ""
	return marshalCanonical(m)
}

// ComputeCRC32 computes the CRC-32 (IEEE) of the canonical encoding,
// serialized as 8 uppercase hex digits.
func ComputeCRC32(e Event) (string, error) {
	enc, err := Canonical(e)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08X", crc32.ChecksumIEEE(enc)), nil
}

// VerifyCRC32 recomputes the checksum and compares it against e.CRC32 in
// constant time. An absent or empty crc32 field fails verification.
func VerifyCRC32(e Event) bool {
	if e.CRC32 == "" {
		return false
	}
	want, err := ComputeCRC32(e)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(e.CRC32)) == 1
}

// EncodeLine returns the event serialized for storage: canonical form with
// the computed crc32 value set. No trailing newline.
func EncodeLine(e Event) ([]byte, error) {
	m, err := toMap(e)
	if err != nil {
		return nil, err
	}
	m["crc32"] = ""
	enc, err := marshalCanonical(m)
	if err != nil {
		return nil, err
	}
	m["crc32"] = fmt.Sprintf("%08X", crc32.ChecksumIEEE(enc))
	return marshalCanonical(m)
}

// DecodeLine parses one log line and verifies its checksum. The CRC is
// recomputed from the decoded key set, not from the Event struct, so lines
// carrying keys this build does not know about still verify.
func DecodeLine(line []byte) (Event, error) {
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return Event{}, fmt.Errorf("json_decode_error: %w", err)
	}

	stored, _ := m["crc32"].(string)
	if stored == "" {
		return Event{}, fmt.Errorf("crc_mismatch")
	}
	m["crc32"] = ""
	enc, err := marshalCanonical(m)
	if err != nil {
		return Event{}, fmt.Errorf("json_decode_error: %w", err)
	}
	want := fmt.Sprintf("%08X", crc32.ChecksumIEEE(enc))
	if subtle.ConstantTimeCompare([]byte(want), []byte(stored)) != 1 {
		return Event{}, fmt.Errorf("crc_mismatch")
	}

	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, fmt.Errorf("json_decode_error: %w", err)
	}
	return e, nil
}

// toMap round-trips the event through JSON so canonicalization sees the
// exact key set the struct tags produce, with numbers kept as literals.
func toMap(e Event) (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event: marshal: %w", err)
	}
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("event: remap: %w", err)
	}
	return m, nil
}

// marshalCanonical serializes a decoded JSON value with sorted keys and
// HTML escaping off. encoding/json already emits map keys in sorted order
// and no inter-token whitespace.
func marshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("event: canonical encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
