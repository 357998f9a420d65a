// Package ids generates time-ordered identifiers for events and runs.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UUIDv7 returns an RFC 9562 version 7 UUID string: 48-bit unix
// milliseconds, version nibble 7, variant 10, rest from crypto/rand.
// Lexicographic order agrees with creation order to millisecond resolution.
func UUIDv7() string {
	u, err := uuid.NewV7()
	if err != nil {
		// crypto/rand failure; fall back to a timestamp-derived ID so
		// callers still get something unique enough to proceed.
		return fallbackID()
	}
	return u.String()
}

// RunID returns "<prefix>-<uuidv7>". Empty prefix defaults to "r".
func RunID(prefix string) string {
	if prefix == "" {
		prefix = "r"
	}
	return fmt.Sprintf("%s-%s", prefix, UUIDv7())
}

// EventID returns a compact event identifier: "e-" plus the hex form of a
// UUIDv7 without dashes.
func EventID() string {
	return "e-" + strings.ReplaceAll(UUIDv7(), "-", "")
}

func fallbackID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return fmt.Sprintf("%013x%s", time.Now().UnixMilli(), hex.EncodeToString(b))
}
