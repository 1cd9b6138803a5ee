// Package refsvc provides reference service implementations: an in-process
// in-memory server used by tests and local mode, and an HTTP JSON client for
// a remote service.
package refsvc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ccsync/internal/cloudsync"
)

type workspaceKey struct {
	repo      string
	workspace string
}

type workspaceState struct {
	version   int64
	heads     []cloudsync.CommitID
	bookmarks map[string]cloudsync.CommitID
	headDates map[cloudsync.CommitID]time.Time
	// markers holds the full workspace marker log; markerVersions[i] is the
	// version at which markers[i] was accepted, so GetReferences can return
	// only the markers newer than the caller's version.
	markers        []cloudsync.ObsMarker
	markerVersions []int64
	markerKeys     map[string]bool
}

// Memory is an in-process reference service. All updates to a workspace are
// linearized under a single mutex.
type Memory struct {
	mu         sync.Mutex
	clock      cloudsync.Clock
	workspaces map[workspaceKey]*workspaceState
	// seenHeads tracks every head the service has ever been offered, per
	// repo. FilterPushedHeads answers from it.
	seenHeads map[string]map[cloudsync.CommitID]bool
}

var _ cloudsync.ReferenceService = (*Memory)(nil)

// NewMemory returns an empty in-memory reference service. The clock stamps
// head dates on accepted updates.
func NewMemory(clock cloudsync.Clock) *Memory {
	if clock == nil {
		clock = cloudsync.RealClock{}
	}
	return &Memory{
		clock:      clock,
		workspaces: make(map[workspaceKey]*workspaceState),
		seenHeads:  make(map[string]map[cloudsync.CommitID]bool),
	}
}

func (m *Memory) Check(ctx context.Context) error {
	return nil
}

func (m *Memory) getOrCreate(key workspaceKey) *workspaceState {
	ws, ok := m.workspaces[key]
	if !ok {
		ws = &workspaceState{
			bookmarks:  make(map[string]cloudsync.CommitID),
			headDates:  make(map[cloudsync.CommitID]time.Time),
			markerKeys: make(map[string]bool),
		}
		m.workspaces[key] = ws
	}
	return ws
}

// GetReferences returns the current references. Obsmarkers are filtered to
// those accepted after sinceVersion; sinceVersion 0 returns all of them.
func (m *Memory) GetReferences(ctx context.Context, repoName, workspace string, sinceVersion int64) (*cloudsync.CloudRefs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.getOrCreate(workspaceKey{repoName, workspace})
	return ws.refs(sinceVersion), nil
}

func (ws *workspaceState) refs(sinceVersion int64) *cloudsync.CloudRefs {
	refs := &cloudsync.CloudRefs{
		Version:   ws.version,
		Heads:     append([]cloudsync.CommitID(nil), ws.heads...),
		Bookmarks: make(map[string]cloudsync.CommitID, len(ws.bookmarks)),
		HeadDates: make(map[cloudsync.CommitID]time.Time, len(ws.headDates)),
	}
	for name, target := range ws.bookmarks {
		refs.Bookmarks[name] = target
	}
	for _, h := range ws.heads {
		if d, ok := ws.headDates[h]; ok {
			refs.HeadDates[h] = d
		}
	}
	for i, marker := range ws.markers {
		if ws.markerVersions[i] > sinceVersion {
			refs.ObsMarkers = append(refs.ObsMarkers, marker)
		}
	}
	return refs
}

// UpdateReferences attempts the compare-and-swap. The old heads and bookmark
// names in the request must still be present; removals the caller did not
// know about cause no conflict because the version check catches them first.
func (m *Memory) UpdateReferences(ctx context.Context, req cloudsync.UpdateRequest) (*cloudsync.UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws := m.getOrCreate(workspaceKey{req.RepoName, req.Workspace})
	if req.Version != ws.version {
		return &cloudsync.UpdateResult{Accepted: false, Refs: ws.refs(req.Version)}, nil
	}

	now := m.clock.Now()
	newVersion := ws.version + 1

	removed := make(map[cloudsync.CommitID]bool, len(req.OldHeads))
	for _, h := range req.OldHeads {
		removed[h] = true
	}
	var heads []cloudsync.CommitID
	for _, h := range ws.heads {
		if !removed[h] {
			heads = append(heads, h)
		}
	}
	existing := make(map[cloudsync.CommitID]bool, len(heads))
	for _, h := range heads {
		existing[h] = true
	}
	for _, h := range req.NewHeads {
		if !existing[h] {
			heads = append(heads, h)
			existing[h] = true
		}
		if _, ok := ws.headDates[h]; !ok {
			ws.headDates[h] = now
		}
		m.recordSeen(req.RepoName, h)
	}

	for _, name := range req.OldBookmarks {
		delete(ws.bookmarks, name)
	}
	for name, target := range req.NewBookmarks {
		ws.bookmarks[name] = target
	}

	for _, marker := range req.ObsMarkers {
		key := marker.Key()
		if ws.markerKeys[key] {
			continue
		}
		ws.markerKeys[key] = true
		ws.markers = append(ws.markers, marker)
		ws.markerVersions = append(ws.markerVersions, newVersion)
	}

	ws.heads = heads
	ws.version = newVersion
	return &cloudsync.UpdateResult{Accepted: true, Refs: ws.refs(ws.version)}, nil
}

func (m *Memory) recordSeen(repoName string, h cloudsync.CommitID) {
	seen, ok := m.seenHeads[repoName]
	if !ok {
		seen = make(map[cloudsync.CommitID]bool)
		m.seenHeads[repoName] = seen
	}
	seen[h] = true
}

// RecordBackedUp marks heads as already present on the server without going
// through an update. Used by tests and by the bundle transport, which uploads
// commit data before references move.
func (m *Memory) RecordBackedUp(repoName string, heads ...cloudsync.CommitID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range heads {
		m.recordSeen(repoName, h)
	}
}

// FilterPushedHeads returns the candidates the service has never seen.
func (m *Memory) FilterPushedHeads(ctx context.Context, repoName string, heads []cloudsync.CommitID) ([]cloudsync.CommitID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := m.seenHeads[repoName]
	var missing []cloudsync.CommitID
	for _, h := range heads {
		if !seen[h] {
			missing = append(missing, h)
		}
	}
	return missing, nil
}

// SetHeadDate overrides the recorded creation date of a head. Tests use it to
// exercise age filtering.
func (m *Memory) SetHeadDate(repoName, workspace string, h cloudsync.CommitID, d time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceKey{repoName, workspace}]
	if !ok {
		return fmt.Errorf("unknown workspace %s/%s", repoName, workspace)
	}
	ws.headDates[h] = d
	return nil
}
