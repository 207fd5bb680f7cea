package idgen

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewPrefixed returns "<prefix>-<uuid>" for human-scannable record ids
// like "task-…" and "appr-…".
func NewPrefixed(prefix string) string {
	if prefix == "" {
		return New()
	}
	return prefix + "-" + New()
}

var sessionIDPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)

// ValidateSessionID checks that id is a valid caller-provided session ID.
// Rules: lowercase letters, digits, dashes, and underscores; must start and
// end with a letter or digit; max 64 characters.
func ValidateSessionID(id string) error {
	if len(id) > 64 {
		return fmt.Errorf("session id too long (max 64 characters)")
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("session id %q is invalid: must match %s", id, sessionIDPattern.String())
	}
	return nil
}
