package cloudsync

import (
	"fmt"
	"regexp"
	"sort"
)

// mergeBookmarks performs a 3-way diff between the local bookmark map, the
// new cloud bookmark map, and the last-known cloud bookmark map (the common
// ancestor). Changes on either side are propagated to the other; a bookmark
// that moved on both sides is forked by renaming the local one, after which
// the cloud value wins the original name.
//
// Cloud values whose target commit is not materialized locally cannot be
// applied; those bookmarks are omitted instead and self-heal once the commit
// becomes available.
//
// has reports whether a commit is present locally. The returned changes must
// be applied in one transaction; the returned names are the new omitted
// bookmark set.
func mergeBookmarks(logger Logger, hostID string, local, cloud map[string]CommitID, last *SyncState, has func(CommitID) bool) ([]BookmarkChange, []string) {
	omitted := make(map[string]bool, len(last.OmittedBookmarks))
	for _, name := range last.OmittedBookmarks {
		omitted[name] = true
	}

	allNames := make(map[string]bool, len(local)+len(cloud))
	for name := range local {
		allNames[name] = true
	}
	for name := range cloud {
		allNames[name] = true
	}

	// Deterministic iteration keeps fork numbering stable.
	ordered := make([]string, 0, len(allNames))
	for name := range allNames {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	var changes []BookmarkChange
	newNames := make(map[string]bool)
	for _, name := range ordered {
		localNode, hasLocal := local[name]
		cloudNode, hasCloud := cloud[name]
		lastNode := last.Bookmarks[name]

		if hasCloud && hasLocal && cloudNode == localNode {
			continue
		}

		// The bookmark has changed both locally and remotely. Fork it by
		// renaming the local one; the cloud value takes the original name
		// below.
		if hasLocal && hasCloud && localNode != lastNode && cloudNode != lastNode {
			fork := forkName(hostID, name, func(candidate string) bool {
				return allNames[candidate] || newNames[candidate]
			})
			newNames[fork] = true
			changes = append(changes, BookmarkChange{Name: fork, Target: localNode})
			logger.Warn("bookmark changed locally and remotely, local bookmark renamed",
				"bookmark", name, "renamed_to", fork)
		}

		switch {
		case hasCloud && cloudNode != lastNode:
			if has(cloudNode) {
				changes = append(changes, BookmarkChange{Name: name, Target: cloudNode})
				delete(omitted, name)
			} else {
				logger.Warn("commit not found, omitting bookmark",
					"commit", cloudNode, "bookmark", name)
				omitted[name] = true
			}
		case !hasCloud && lastNode != "":
			// Deleted in the cloud. If it moved locally at the same time,
			// keep the local value; it is re-published on the outbound side.
			if hasLocal && localNode != lastNode {
				break
			}
			if hasLocal {
				changes = append(changes, BookmarkChange{Name: name})
			}
		}
	}

	names := make([]string, 0, len(omitted))
	for name := range omitted {
		names = append(names, name)
	}
	sort.Strings(names)
	return changes, names
}

// forkName synthesizes a stable name for the local side of a conflicted
// bookmark: "<base>-<hostid>", then "<base>-<hostid>-1", and so on, skipping
// names already taken. An existing "-<hostid>" or "-<hostid>-<n>" suffix is
// stripped first so repeated forks on one machine do not stack suffixes.
func forkName(hostID, name string, taken func(string) bool) string {
	suffix := regexp.MustCompile("-" + regexp.QuoteMeta(hostID) + "(-[0-9]+)?$")
	if m := suffix.FindString(name); m != "" {
		name = name[:len(name)-len(m)]
	}
	for n := 0; ; n++ {
		candidate := fmt.Sprintf("%s-%s", name, hostID)
		if n > 0 {
			candidate = fmt.Sprintf("%s-%s-%d", name, hostID, n)
		}
		if !taken(candidate) {
			return candidate
		}
	}
}
