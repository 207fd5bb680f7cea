package idgen

import (
	"strings"
	"testing"
)

func TestNewIsUniqueAndWellFormed(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if len(id) != 36 {
			t.Fatalf("unexpected id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNewPrefixed(t *testing.T) {
	id := NewPrefixed("task")
	if !strings.HasPrefix(id, "task-") {
		t.Fatalf("missing prefix: %q", id)
	}
	if NewPrefixed("") == "" {
		t.Fatalf("empty prefix should still produce an id")
	}
}

func TestValidateSessionID(t *testing.T) {
	for _, id := range []string{"s1", "desk-1", "my_session", "a"} {
		if err := ValidateSessionID(id); err != nil {
			t.Fatalf("expected %q valid: %v", id, err)
		}
	}
	bad := []string{"", "-leading", "trailing-", "UPPER", "has space", strings.Repeat("x", 65)}
	for _, id := range bad {
		if err := ValidateSessionID(id); err == nil {
			t.Fatalf("expected %q invalid", id)
		}
	}
}
