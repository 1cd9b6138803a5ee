package testutil

import (
	"context"
	"sync"

	"ccsync/internal/cloudsync"
)

// StubTransport records pushed and pulled heads. Heads in FailHeads are
// reported as push failures; PullErr fails every pull.
type StubTransport struct {
	mu        sync.Mutex
	FailHeads map[cloudsync.CommitID]bool
	PullErr   error

	pushed []cloudsync.CommitID
	pulled []cloudsync.CommitID
	// OnPull, when set, is called with each pulled head so tests can
	// materialize the commits in their storage fake.
	OnPull func(head cloudsync.CommitID)
}

// NewStubTransport creates a transport that succeeds for every head.
func NewStubTransport() *StubTransport {
	return &StubTransport{FailHeads: make(map[cloudsync.CommitID]bool)}
}

func (t *StubTransport) Push(ctx context.Context, heads []cloudsync.CommitID) ([]cloudsync.CommitID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var failed []cloudsync.CommitID
	for _, h := range heads {
		if t.FailHeads[h] {
			failed = append(failed, h)
			continue
		}
		t.pushed = append(t.pushed, h)
	}
	return failed, nil
}

func (t *StubTransport) Pull(ctx context.Context, heads []cloudsync.CommitID) error {
	t.mu.Lock()
	onPull := t.OnPull
	if t.PullErr != nil {
		err := t.PullErr
		t.mu.Unlock()
		return err
	}
	t.pulled = append(t.pulled, heads...)
	t.mu.Unlock()

	if onPull != nil {
		for _, h := range heads {
			onPull(h)
		}
	}
	return nil
}

// Pushed returns every head successfully pushed so far.
func (t *StubTransport) Pushed() []cloudsync.CommitID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]cloudsync.CommitID(nil), t.pushed...)
}

// Pulled returns every head pulled so far.
func (t *StubTransport) Pulled() []cloudsync.CommitID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]cloudsync.CommitID(nil), t.pulled...)
}
