package cloudsync

import (
	"sort"
	"strings"
	"time"
)

// CommitID identifies a commit. It is an opaque, content-derived hex string;
// equality is exact string equality.
type CommitID string

// CloudRefs is the server-authoritative view of a workspace: the reference
// version, the draft heads and bookmarks, the creation date of each head
// (used only for age filtering), and any obsolescence markers accumulated
// since the version the caller last saw. Immutable once returned.
type CloudRefs struct {
	Version    int64
	Heads      []CommitID
	Bookmarks  map[string]CommitID
	HeadDates  map[CommitID]time.Time
	ObsMarkers []ObsMarker
}

// ObsMarker records that one commit was replaced or pruned by zero or more
// successors. Markers are append-only and commutative: merging the same
// marker twice is a no-op.
type ObsMarker struct {
	Predecessor CommitID
	Successors  []CommitID
	Time        time.Time
	Operation   string
	Metadata    map[string]string
}

// Key returns the identity of the marker for union-merging. Two markers with
// the same key are the same marker.
func (m ObsMarker) Key() string {
	var b strings.Builder
	b.WriteString(string(m.Predecessor))
	b.WriteByte('|')
	for _, s := range m.Successors {
		b.WriteString(string(s))
		b.WriteByte(',')
	}
	b.WriteByte('|')
	b.WriteString(m.Operation)
	b.WriteByte('|')
	keys := make([]string, 0, len(m.Metadata))
	for k := range m.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m.Metadata[k])
		b.WriteByte(',')
	}
	return b.String()
}

// SyncState is what this replica believes the cloud state to be: the last
// reference version it applied, the cloud heads and bookmarks as of that
// version, and the subsets it has deliberately not materialized locally.
// Version 0 means the workspace has never been synchronized.
//
// Invariant: OmittedHeads is a subset of Heads, and OmittedBookmarks is a
// subset of the bookmark names.
type SyncState struct {
	Version          int64
	Heads            []CommitID
	Bookmarks        map[string]CommitID
	OmittedHeads     []CommitID
	OmittedBookmarks []string
	// MaxAge is the age limit (in days) that was in effect for the last
	// sync. Heads older than this are eligible for omission. Nil means no
	// age filter.
	MaxAge *int
}

// NewSyncState returns the never-synchronized state.
func NewSyncState() *SyncState {
	return &SyncState{
		Bookmarks: make(map[string]CommitID),
	}
}

// BookmarkChange is a single scheduled bookmark mutation. An empty Target
// deletes the bookmark.
type BookmarkChange struct {
	Name   string
	Target CommitID
}

// ChangeSet is a batch of local mutations that must be applied in a single
// storage transaction, so that a crash mid-merge never leaves bookmarks and
// obsmarkers partially updated relative to each other.
type ChangeSet struct {
	Bookmarks  []BookmarkChange
	ObsMarkers []ObsMarker
}

// Empty reports whether applying the ChangeSet would do nothing.
func (c ChangeSet) Empty() bool {
	return len(c.Bookmarks) == 0 && len(c.ObsMarkers) == 0
}

// Status is the outcome classification of a sync run.
type Status int

const (
	// StatusSynced means the run performed work and converged.
	StatusSynced Status = iota
	// StatusAlreadySynced means local and cloud state already matched.
	StatusAlreadySynced
	// StatusSkipped means the run was skipped (for example the requested
	// workspace version had already been applied).
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusSynced:
		return "synced"
	case StatusAlreadySynced:
		return "already synced"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Result describes a completed sync run.
type Result struct {
	Status Status
	// Version is the cloud reference version the replica finished at.
	Version int64
	// PushFailures is the number of heads that could not be pushed across
	// the whole run.
	PushFailures int
	// MovedTo is set when the commit that was checked out at the start of
	// the run has been obsoleted with a single unambiguous successor that
	// is present locally.
	MovedTo CommitID
}

// Options control a single sync run.
type Options struct {
	// Full disables the age filter for this run, pulling the whole
	// workspace regardless of head age.
	Full bool
	// PushRevs restricts which local heads are advertised to the cloud in
	// this run. Multiple expressions are unioned. Overrides any configured
	// restriction policy.
	PushRevs []string
	// CheckBackedUp forces a server-side check of which candidate heads
	// the server already has before pushing.
	CheckBackedUp bool
	// CloudRefs, when non-nil, is a pre-fetched reference snapshot to
	// start from (used by rejoin, which has already called the service).
	CloudRefs *CloudRefs
	// WorkspaceVersion, when positive, skips the run entirely if the
	// stored version is already at or past it.
	WorkspaceVersion int64
}
