package uuid

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	id1 := New()
	id2 := New()

	if len(id1) == 0 {
		t.Error("UUID should not be empty")
	}

	if id1 == id2 {
		t.Error("UUIDs should be unique")
	}
}

func TestNewPrefixed(t *testing.T) {
	id := NewPrefixed("sw")
	if !strings.HasPrefix(id, "sw-") {
		t.Errorf("expected sw- prefix, got %q", id)
	}
	if len(id) != len("sw-")+36 {
		t.Errorf("unexpected length %d for %q", len(id), id)
	}
}
