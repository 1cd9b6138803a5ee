package cloudsync

import (
	"context"
	"fmt"
	"strings"
)

// pushRestriction works out the commit-selection expressions that limit what
// this run is allowed to push, or nil when there is no restriction.
//
// A per-invocation override takes precedence and multiple expressions are
// unioned. Otherwise, for the default workspace only, the configured
// "own commits only" and custom restriction policies apply, intersected when
// both are set.
func (s *Syncer) pushRestriction(opts Options) []string {
	if len(opts.PushRevs) > 0 {
		return opts.PushRevs
	}
	if s.workspace != DefaultWorkspace {
		return nil
	}
	var parts []string
	if s.authorFilter != "" {
		parts = append(parts, fmt.Sprintf("author(%s)", s.authorFilter))
	}
	if s.customPushRevs != "" {
		parts = append(parts, fmt.Sprintf("(%s)", s.customPushRevs))
	}
	if len(parts) == 0 {
		return nil
	}
	return []string{strings.Join(parts, " & ")}
}

// allowedPushHeads evaluates the restriction expressions and returns the
// allowed head subset (the union across expressions).
func (s *Syncer) allowedPushHeads(ctx context.Context, restriction []string) ([]CommitID, error) {
	seen := make(map[CommitID]bool)
	var allowed []CommitID
	for _, expr := range restriction {
		heads, err := s.storage.EvaluateRestriction(ctx, expr)
		if err != nil {
			return nil, fmt.Errorf("evaluating push restriction %q: %w", expr, err)
		}
		for _, h := range heads {
			if !seen[h] {
				seen[h] = true
				allowed = append(allowed, h)
			}
		}
	}
	return allowed, nil
}

// filterPushSide narrows the local heads to those allowed by the push
// restriction, keeping anything already recorded in the cloud state. Heads
// excluded this round are logged as skipped but never deleted locally.
func (s *Syncer) filterPushSide(allowed, localHeads, syncedHeads []CommitID) []CommitID {
	allowedSet := make(map[CommitID]bool, len(allowed)+len(syncedHeads))
	for _, h := range allowed {
		allowedSet[h] = true
	}
	for _, h := range syncedHeads {
		allowedSet[h] = true
	}

	var kept []CommitID
	var skipped []CommitID
	for _, h := range localHeads {
		if allowedSet[h] {
			kept = append(kept, h)
		} else {
			skipped = append(skipped, h)
		}
	}
	if len(skipped) > 0 {
		s.logger.Info("push filter: skipping unsynced local heads", "heads", commitIDStrings(skipped))
	}
	return kept
}

func commitIDStrings(ids []CommitID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
