// Package idgen mints the 128-bit time-sortable message identifiers
// spec.md §3 requires (UUIDv7-compatible: high bits monotonic by wall
// time, low bits random).
package idgen

import "github.com/google/uuid"

// MessageID is a UUIDv7 message identifier.
type MessageID = uuid.UUID

// NewMessageID mints a fresh UUIDv7 value.
func NewMessageID() (MessageID, error) {
	return uuid.NewV7()
}

// ParseMessageID parses the canonical string form of a MessageID.
func ParseMessageID(s string) (MessageID, error) {
	return uuid.Parse(s)
}
