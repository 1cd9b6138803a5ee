package cloudsync

import (
	"context"
	"time"
)

// ReferenceService is the remote authority for a workspace's reference set.
// Updates are linearized per workspace by a version counter; UpdateReferences
// is a compare-and-swap on that counter.
type ReferenceService interface {
	// Check verifies that the service is reachable and the caller is
	// registered.
	Check(ctx context.Context) error

	// GetReferences returns the workspace references as of now. The
	// sinceVersion parameter is the version the caller last applied; 0
	// requests a full fresh copy.
	GetReferences(ctx context.Context, repoName, workspace string, sinceVersion int64) (*CloudRefs, error)

	// UpdateReferences attempts a compare-and-swap of the workspace
	// references keyed on req.Version. On acceptance the returned result
	// carries the new references; on rejection it carries the current
	// references so the caller can merge and retry.
	UpdateReferences(ctx context.Context, req UpdateRequest) (*UpdateResult, error)

	// FilterPushedHeads returns the subset of the candidate heads that the
	// server does not already have.
	FilterPushedHeads(ctx context.Context, repoName string, heads []CommitID) ([]CommitID, error)
}

// UpdateRequest is the payload of a reference compare-and-swap.
type UpdateRequest struct {
	RepoName  string
	Workspace string
	// Version is the version the caller believes is current. The update is
	// rejected if the service has moved past it.
	Version      int64
	OldHeads     []CommitID
	NewHeads     []CommitID
	OldBookmarks []string
	NewBookmarks map[string]CommitID
	ObsMarkers   []ObsMarker
}

// UpdateResult is the outcome of a reference compare-and-swap.
type UpdateResult struct {
	Accepted bool
	// Refs is the new references on acceptance, or the current references
	// on rejection.
	Refs *CloudRefs
}

// Transport moves commit data in bulk between the replica and the service's
// commit store. It deals only in data movement; reference bookkeeping stays
// with the sync engine. Push may fail partially, returning the subset of
// heads that could not be transferred.
type Transport interface {
	// Pull materializes the given commits (and their ancestry) locally.
	Pull(ctx context.Context, heads []CommitID) error

	// Push uploads the commits reachable from the given heads. It returns
	// the heads whose upload failed; err is reserved for total failures.
	Push(ctx context.Context, heads []CommitID) (failed []CommitID, err error)
}

// Storage is the local version-control storage engine, reduced to the
// operations the sync engine needs. Implementations must make Apply atomic:
// either every change in the set lands or none do.
type Storage interface {
	// Heads returns the heads of mutable, non-obsolete, visible history.
	Heads(ctx context.Context) ([]CommitID, error)

	// Bookmarks returns the full local bookmark map.
	Bookmarks(ctx context.Context) (map[string]CommitID, error)

	// HasCommit reports whether the commit is materialized locally.
	HasCommit(ctx context.Context, id CommitID) (bool, error)

	// DraftAncestors returns the mutable commits reachable from the given
	// heads, including the heads themselves. Heads that are not present
	// locally are skipped.
	DraftAncestors(ctx context.Context, heads []CommitID) ([]CommitID, error)

	// AvailableHeads returns the heads of the commits reachable from the
	// pushed heads, together with the non-obsolete commits reachable from
	// the synced heads. Used to work out what is actually on the server
	// after a partial push failure.
	AvailableHeads(ctx context.Context, pushed, synced []CommitID) ([]CommitID, error)

	// HiddenAncestors returns the locally-hidden mutable commits reachable
	// from the given heads.
	HiddenAncestors(ctx context.Context, heads []CommitID) ([]CommitID, error)

	// Revive makes previously-hidden commits visible again.
	Revive(ctx context.Context, ids []CommitID) error

	// PendingObsMarkers returns locally-created markers that have not yet
	// been acknowledged by the reference service.
	PendingObsMarkers(ctx context.Context) ([]ObsMarker, error)

	// ClearPendingObsMarkers discards the pending marker set after the
	// service has accepted it.
	ClearPendingObsMarkers(ctx context.Context) error

	// SuccessorsOf returns the distinct successors recorded for the commit
	// across all markers, excluding the commit itself.
	SuccessorsOf(ctx context.Context, id CommitID) ([]CommitID, error)

	// CheckedOut returns the currently checked-out commit, or empty if the
	// working copy is not at a tracked commit.
	CheckedOut(ctx context.Context) (CommitID, error)

	// EvaluateRestriction evaluates a commit-selection expression against
	// mutable history and returns the allowed head subset.
	EvaluateRestriction(ctx context.Context, expr string) ([]CommitID, error)

	// Apply applies the change set in a single transaction. Cloud-sourced
	// obsmarkers in the set are union-merged and never become pending.
	Apply(ctx context.Context, changes ChangeSet) error
}

// StateStore persists the per-workspace SyncState.
type StateStore interface {
	// Load returns the stored state, or the zero (version 0) state if the
	// workspace has never been synchronized.
	Load(ctx context.Context, workspace string) (*SyncState, error)

	// Save upserts the state for the workspace.
	Save(ctx context.Context, workspace string, st *SyncState) error

	// Erase removes the stored state, forcing the next sync to start from
	// version 0.
	Erase(ctx context.Context, workspace string) error
}

// Logger provides structured logging for the engine. The args follow slog
// conventions: alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger is a Logger that discards all output. Use in tests.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}

// Clock abstracts time retrieval so age filtering is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
