package cloudsync

import (
	"context"
	"sort"
)

// checkOmissions re-examines the deliberately-omitted heads and bookmarks
// against what is now materialized locally. Commits that have since arrived
// (for example because the user pulled them manually) stop being omitted;
// bookmarks whose target is now present are restored to their recorded cloud
// value. Omission records for bookmarks the cloud no longer lists are dropped
// without restoring anything.
//
// The state is persisted if the omission sets changed; restore changes are
// applied in their own transaction.
func (s *Syncer) checkOmissions(ctx context.Context, st *SyncState) error {
	if len(st.OmittedHeads) == 0 && len(st.OmittedBookmarks) == 0 {
		return nil
	}

	var omittedHeads []CommitID
	for _, head := range st.OmittedHeads {
		present, err := s.storage.HasCommit(ctx, head)
		if err != nil {
			return err
		}
		if !present {
			omittedHeads = append(omittedHeads, head)
		}
	}

	var omittedBookmarks []string
	var restores []BookmarkChange
	for _, name := range st.OmittedBookmarks {
		node, listed := st.Bookmarks[name]
		if !listed {
			// Removed from the cloud workspace by someone else; the
			// omission record is stale.
			continue
		}
		present, err := s.storage.HasCommit(ctx, node)
		if err != nil {
			return err
		}
		if present {
			restores = append(restores, BookmarkChange{Name: name, Target: node})
		} else {
			omittedBookmarks = append(omittedBookmarks, name)
		}
	}
	sort.Strings(omittedBookmarks)

	if !commitIDsEqual(omittedHeads, st.OmittedHeads) || !stringsEqual(omittedBookmarks, st.OmittedBookmarks) {
		st.OmittedHeads = omittedHeads
		st.OmittedBookmarks = omittedBookmarks
		if err := s.states.Save(ctx, s.workspace, st); err != nil {
			return err
		}
	}

	if len(restores) > 0 {
		s.logger.Info("restoring bookmarks for newly available commits", "count", len(restores))
		if err := s.storage.Apply(ctx, ChangeSet{Bookmarks: restores}); err != nil {
			return err
		}
	}
	return nil
}

func commitIDsEqual(a, b []CommitID) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[CommitID]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}
