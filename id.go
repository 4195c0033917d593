package baton

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Event IDs issued within one session are strictly ordered: a later ID
// always compares greater than an earlier one.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnixMilli returns the current time as Unix milliseconds. Event
// timestamps are display metadata only; log position is the ordering
// authority.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
