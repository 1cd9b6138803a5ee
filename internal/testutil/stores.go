package testutil

import (
	"testing"

	"ccsync/internal/state"
)

// NewTestStateStore creates an in-memory SQLite state store with the schema
// applied. The store is automatically closed when the test completes.
func NewTestStateStore(t *testing.T) *state.Store {
	t.Helper()

	s, err := state.NewStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open state store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}
