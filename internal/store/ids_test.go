package store

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewCommandID(t *testing.T) {
	id := NewCommandID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("NewCommandID() = %q, not a UUID: %v", id, err)
	}
}

func TestNewBatchID(t *testing.T) {
	id := NewBatchID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("NewBatchID() = %q, not a UUID: %v", id, err)
	}
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := NewCommandID()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}
