// Package validate enforces the wire-level limits spec.md §6 recognizes
// (topic name shape/length, payload size, attribute count/size) before a
// publish ever reaches the Writer Core. Grounded on the teacher's
// channels.go pattern-validation idiom (IsValidChannel, regexp-based
// shape checks over plain strings) — generalized here from NATS
// subject/channel shape to topic-name and payload/attribute bounds,
// since Sluice has no channel-mapping concept, only §6's size limits.
package validate

import (
	"fmt"
	"unicode"

	"github.com/heisenbergs-uncertainty/sluice/internal/brokererr"
)

// Limits mirrors the size/shape bounds of spec.md §6, sourced from
// internal/config at wiring time.
type Limits struct {
	MaxPayloadBytes int
	MaxAttributes   int
	MaxAttrKVBytes  int
	MaxTopicNameLen int
}

// Topic checks a topic name against spec §3 ("unique, non-empty, bounded
// length") and §6 ("character class: printable non-whitespace").
func Topic(name string, lim Limits) error {
	if name == "" {
		return brokererr.New(brokererr.InvalidArgument, "topic name must not be empty")
	}
	if len(name) > lim.MaxTopicNameLen {
		return brokererr.New(brokererr.InvalidArgument, fmt.Sprintf("topic name exceeds %d bytes", lim.MaxTopicNameLen))
	}
	for _, r := range name {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return brokererr.New(brokererr.InvalidArgument, "topic name must be printable, non-whitespace characters")
		}
	}
	return nil
}

// Publish checks a payload and attribute map against spec §6's limits
// and §8's boundary tests (zero-length payload/attrs accepted, N+1
// rejected at the max).
func Publish(payload []byte, attributes map[string]string, lim Limits) error {
	if len(payload) > lim.MaxPayloadBytes {
		return brokererr.New(brokererr.InvalidArgument, fmt.Sprintf("payload exceeds %d bytes", lim.MaxPayloadBytes))
	}
	if len(attributes) > lim.MaxAttributes {
		return brokererr.New(brokererr.InvalidArgument, fmt.Sprintf("attribute map exceeds %d entries", lim.MaxAttributes))
	}
	for k, v := range attributes {
		if len(k) > lim.MaxAttrKVBytes {
			return brokererr.New(brokererr.InvalidArgument, fmt.Sprintf("attribute key exceeds %d bytes", lim.MaxAttrKVBytes))
		}
		if len(v) > lim.MaxAttrKVBytes {
			return brokererr.New(brokererr.InvalidArgument, fmt.Sprintf("attribute value exceeds %d bytes", lim.MaxAttrKVBytes))
		}
	}
	return nil
}
