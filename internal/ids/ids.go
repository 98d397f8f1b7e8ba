// Package ids centralizes entity-identifier generation so every package
// constructs UUIDs (and the sandbox's short hex suffixes) the same way.
package ids

import "github.com/google/uuid"

// New returns a fresh random entity identifier.
func New() uuid.UUID {
	return uuid.New()
}

// ShortHex returns an 8-hex-character random suffix, used for sandbox
// branch names (claude/attempt-<8-hex>).
func ShortHex() string {
	return uuid.New().String()[:8]
}
