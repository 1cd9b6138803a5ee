package cloudsync

import (
	"testing"
)

func alwaysPresent(CommitID) bool { return true }

func changesByName(changes []BookmarkChange) map[string]CommitID {
	out := make(map[string]CommitID, len(changes))
	for _, c := range changes {
		out[c.Name] = c.Target
	}
	return out
}

func TestMergeBookmarks(t *testing.T) {
	logger := NewNopLogger()

	t.Run("applies new cloud bookmark", func(t *testing.T) {
		local := map[string]CommitID{}
		cloud := map[string]CommitID{"main": "c1"}
		last := NewSyncState()

		changes, omitted := mergeBookmarks(logger, "host1", local, cloud, last, alwaysPresent)
		if len(changes) != 1 {
			t.Fatalf("changes = %v, want 1 change", changes)
		}
		if got := changesByName(changes)["main"]; got != "c1" {
			t.Errorf("main target = %q, want c1", got)
		}
		if len(omitted) != 0 {
			t.Errorf("omitted = %v, want none", omitted)
		}
	})

	t.Run("applies cloud move over unchanged local bookmark", func(t *testing.T) {
		local := map[string]CommitID{"main": "c1"}
		cloud := map[string]CommitID{"main": "c2"}
		last := NewSyncState()
		last.Bookmarks["main"] = "c1"

		changes, _ := mergeBookmarks(logger, "host1", local, cloud, last, alwaysPresent)
		if got := changesByName(changes)["main"]; got != "c2" {
			t.Errorf("main target = %q, want c2", got)
		}
	})

	t.Run("omits bookmark whose commit is not materialized", func(t *testing.T) {
		local := map[string]CommitID{}
		cloud := map[string]CommitID{"main": "c9"}
		last := NewSyncState()

		changes, omitted := mergeBookmarks(logger, "host1", local, cloud, last, func(CommitID) bool { return false })
		if len(changes) != 0 {
			t.Errorf("changes = %v, want none", changes)
		}
		if len(omitted) != 1 || omitted[0] != "main" {
			t.Errorf("omitted = %v, want [main]", omitted)
		}
	})

	t.Run("clears omission once the commit can be applied", func(t *testing.T) {
		local := map[string]CommitID{}
		cloud := map[string]CommitID{"main": "c2"}
		last := NewSyncState()
		last.Bookmarks["main"] = "c1"
		last.OmittedBookmarks = []string{"main"}

		changes, omitted := mergeBookmarks(logger, "host1", local, cloud, last, alwaysPresent)
		if got := changesByName(changes)["main"]; got != "c2" {
			t.Errorf("main target = %q, want c2", got)
		}
		if len(omitted) != 0 {
			t.Errorf("omitted = %v, want none", omitted)
		}
	})

	t.Run("cloud deletion removes unchanged local bookmark", func(t *testing.T) {
		local := map[string]CommitID{"stale": "c1"}
		cloud := map[string]CommitID{}
		last := NewSyncState()
		last.Bookmarks["stale"] = "c1"

		changes, _ := mergeBookmarks(logger, "host1", local, cloud, last, alwaysPresent)
		if len(changes) != 1 {
			t.Fatalf("changes = %v, want 1 deletion", changes)
		}
		if changes[0].Name != "stale" || changes[0].Target != "" {
			t.Errorf("change = %+v, want deletion of stale", changes[0])
		}
	})

	t.Run("cloud deletion keeps locally moved bookmark", func(t *testing.T) {
		local := map[string]CommitID{"feat": "c3"}
		cloud := map[string]CommitID{}
		last := NewSyncState()
		last.Bookmarks["feat"] = "c1"

		changes, _ := mergeBookmarks(logger, "host1", local, cloud, last, alwaysPresent)
		if len(changes) != 0 {
			t.Errorf("changes = %v, want none", changes)
		}
	})

	t.Run("conflicting move forks the local bookmark", func(t *testing.T) {
		local := map[string]CommitID{"main": "c2"}
		cloud := map[string]CommitID{"main": "c3"}
		last := NewSyncState()
		last.Bookmarks["main"] = "c1"

		changes, _ := mergeBookmarks(logger, "host1", local, cloud, last, alwaysPresent)
		byName := changesByName(changes)
		if got := byName["main-host1"]; got != "c2" {
			t.Errorf("forked bookmark target = %q, want c2", got)
		}
		if got := byName["main"]; got != "c3" {
			t.Errorf("main target = %q, want c3 (cloud wins the original name)", got)
		}
	})

	t.Run("no change when both sides agree", func(t *testing.T) {
		local := map[string]CommitID{"main": "c2"}
		cloud := map[string]CommitID{"main": "c2"}
		last := NewSyncState()
		last.Bookmarks["main"] = "c1"

		changes, _ := mergeBookmarks(logger, "host1", local, cloud, last, alwaysPresent)
		if len(changes) != 0 {
			t.Errorf("changes = %v, want none", changes)
		}
	})
}

func TestForkName(t *testing.T) {
	none := func(string) bool { return false }

	t.Run("appends the host id", func(t *testing.T) {
		if got := forkName("host1", "main", none); got != "main-host1" {
			t.Errorf("forkName = %q, want main-host1", got)
		}
	})

	t.Run("numbers past taken candidates", func(t *testing.T) {
		taken := map[string]bool{"main-host1": true, "main-host1-1": true}
		got := forkName("host1", "main", func(name string) bool { return taken[name] })
		if got != "main-host1-2" {
			t.Errorf("forkName = %q, want main-host1-2", got)
		}
	})

	t.Run("does not stack suffixes on repeated forks", func(t *testing.T) {
		if got := forkName("host1", "main-host1", none); got != "main-host1" {
			t.Errorf("forkName = %q, want main-host1", got)
		}
		if got := forkName("host1", "main-host1-3", none); got != "main-host1" {
			t.Errorf("forkName = %q, want main-host1", got)
		}
	})

	t.Run("keeps another host's suffix", func(t *testing.T) {
		if got := forkName("host2", "main-host1", none); got != "main-host1-host2" {
			t.Errorf("forkName = %q, want main-host1-host2", got)
		}
	})
}
