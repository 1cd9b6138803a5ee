// Package repo implements the local storage engine contract consumed by the
// sync engine. It tracks commit metadata only: identifiers, parent edges,
// phase, visibility, bookmarks and obsolescence markers. Commit content is
// opaque to it and moves through the transport as bundle payloads.
package repo

import (
	"time"

	"ccsync/internal/cloudsync"
)

// Phase classifies a commit as mutable or immutable.
type Phase string

const (
	// PhaseDraft marks mutable history; only draft commits take part in
	// synchronization.
	PhaseDraft Phase = "draft"
	// PhasePublic marks immutable, published history.
	PhasePublic Phase = "public"
)

// Commit is the metadata the sync engine needs about one commit.
type Commit struct {
	ID      cloudsync.CommitID
	Parents []cloudsync.CommitID
	Phase   Phase
	Author  string
	Date    time.Time
	// Hidden commits are excluded from head computation until revived.
	Hidden bool
}
