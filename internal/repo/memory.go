package repo

import (
	"context"
	"fmt"
	"sync"

	"ccsync/internal/cloudsync"
)

// MemoryStore is an in-memory implementation of the storage engine contract.
// It backs the engine tests and demonstrates the expected semantics of a real
// backend. Safe for concurrent use.
type MemoryStore struct {
	mu         sync.RWMutex
	commits    map[cloudsync.CommitID]*Commit
	bookmarks  map[string]cloudsync.CommitID
	markers    []cloudsync.ObsMarker
	markerKeys map[string]bool
	pending    []cloudsync.ObsMarker
	checkedOut cloudsync.CommitID
}

var _ cloudsync.Storage = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		commits:    make(map[cloudsync.CommitID]*Commit),
		bookmarks:  make(map[string]cloudsync.CommitID),
		markerKeys: make(map[string]bool),
	}
}

// snapshot builds a graph view. Callers must hold at least the read lock.
func (s *MemoryStore) snapshot() *graph {
	return newGraph(s.commits, s.markers)
}

// AddCommit registers a commit. Existing commits are overwritten.
func (s *MemoryStore) AddCommit(c Commit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := c
	copied.Parents = append([]cloudsync.CommitID(nil), c.Parents...)
	s.commits[c.ID] = &copied
}

// SetBookmark records a local bookmark move, as the user would.
func (s *MemoryStore) SetBookmark(name string, target cloudsync.CommitID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookmarks[name] = target
}

// DeleteBookmark removes a local bookmark.
func (s *MemoryStore) DeleteBookmark(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bookmarks, name)
}

// AddLocalObsMarker records a marker created locally. It joins both the
// marker store and the pending set awaiting service acknowledgement.
func (s *MemoryStore) AddLocalObsMarker(m cloudsync.ObsMarker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addMarkerLocked(m) {
		s.pending = append(s.pending, m)
	}
}

// addMarkerLocked union-merges the marker; returns false if already present.
func (s *MemoryStore) addMarkerLocked(m cloudsync.ObsMarker) bool {
	key := m.Key()
	if s.markerKeys[key] {
		return false
	}
	s.markerKeys[key] = true
	s.markers = append(s.markers, m)
	return true
}

// Hide marks commits as hidden, as local garbage collection would.
func (s *MemoryStore) Hide(ids ...cloudsync.CommitID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if c, ok := s.commits[id]; ok {
			c.Hidden = true
		}
	}
}

// SetCheckedOut records the working copy parent.
func (s *MemoryStore) SetCheckedOut(id cloudsync.CommitID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkedOut = id
}

func (s *MemoryStore) Heads(ctx context.Context) ([]cloudsync.CommitID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot().heads(), nil
}

func (s *MemoryStore) Bookmarks(ctx context.Context) (map[string]cloudsync.CommitID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]cloudsync.CommitID, len(s.bookmarks))
	for name, id := range s.bookmarks {
		out[name] = id
	}
	return out, nil
}

func (s *MemoryStore) HasCommit(ctx context.Context, id cloudsync.CommitID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.commits[id]
	return ok, nil
}

func (s *MemoryStore) DraftAncestors(ctx context.Context, heads []cloudsync.CommitID) ([]cloudsync.CommitID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot().draftAncestors(heads), nil
}

func (s *MemoryStore) AvailableHeads(ctx context.Context, pushed, synced []cloudsync.CommitID) ([]cloudsync.CommitID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot().availableHeads(pushed, synced), nil
}

func (s *MemoryStore) HiddenAncestors(ctx context.Context, heads []cloudsync.CommitID) ([]cloudsync.CommitID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot().hiddenAncestors(heads), nil
}

func (s *MemoryStore) Revive(ctx context.Context, ids []cloudsync.CommitID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		c, ok := s.commits[id]
		if !ok {
			return fmt.Errorf("cannot revive unknown commit %s", id)
		}
		c.Hidden = false
	}
	return nil
}

func (s *MemoryStore) PendingObsMarkers(ctx context.Context) ([]cloudsync.ObsMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]cloudsync.ObsMarker(nil), s.pending...), nil
}

func (s *MemoryStore) ClearPendingObsMarkers(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	return nil
}

func (s *MemoryStore) SuccessorsOf(ctx context.Context, id cloudsync.CommitID) ([]cloudsync.CommitID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return successorsOf(s.markers, id), nil
}

func (s *MemoryStore) CheckedOut(ctx context.Context) (cloudsync.CommitID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkedOut, nil
}

func (s *MemoryStore) EvaluateRestriction(ctx context.Context, expr string) ([]cloudsync.CommitID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot().evaluateRestriction(expr)
}

// Apply applies the change set atomically under the store lock. Cloud-sourced
// obsmarkers are union-merged and never join the pending set.
func (s *MemoryStore) Apply(ctx context.Context, changes cloudsync.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bc := range changes.Bookmarks {
		if bc.Target == "" {
			delete(s.bookmarks, bc.Name)
		} else {
			if _, ok := s.commits[bc.Target]; !ok {
				return fmt.Errorf("bookmark %s targets unknown commit %s", bc.Name, bc.Target)
			}
			s.bookmarks[bc.Name] = bc.Target
		}
	}
	for _, m := range changes.ObsMarkers {
		s.addMarkerLocked(m)
	}
	return nil
}

// ExportDraft returns the draft commits reachable from head, parents before
// children, for bundling.
func (s *MemoryStore) ExportDraft(ctx context.Context, head cloudsync.CommitID) ([]Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.commits[head]; !ok {
		return nil, fmt.Errorf("unknown commit %s", head)
	}
	ids := s.snapshot().draftAncestors([]cloudsync.CommitID{head})
	out := make([]Commit, 0, len(ids))
	emitted := make(map[cloudsync.CommitID]bool)
	idSet := make(map[cloudsync.CommitID]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	var emit func(id cloudsync.CommitID)
	emit = func(id cloudsync.CommitID) {
		if emitted[id] || !idSet[id] {
			return
		}
		emitted[id] = true
		for _, p := range s.commits[id].Parents {
			emit(p)
		}
		out = append(out, *s.commits[id])
	}
	for _, id := range ids {
		emit(id)
	}
	return out, nil
}

// ImportCommits registers pulled commits, skipping those already present.
func (s *MemoryStore) ImportCommits(ctx context.Context, commits []Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range commits {
		if _, ok := s.commits[c.ID]; ok {
			continue
		}
		copied := c
		copied.Parents = append([]cloudsync.CommitID(nil), c.Parents...)
		copied.Hidden = false
		s.commits[c.ID] = &copied
	}
	return nil
}
