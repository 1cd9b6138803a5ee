package refsvc_test

import (
	"context"
	"testing"
	"time"

	"ccsync/internal/cloudsync"
	"ccsync/internal/refsvc"
	"ccsync/internal/testutil"
)

const (
	repoName  = "testrepo"
	workspace = "default"
)

func update(t *testing.T, svc *refsvc.Memory, req cloudsync.UpdateRequest) *cloudsync.UpdateResult {
	t.Helper()
	req.RepoName = repoName
	req.Workspace = workspace
	res, err := svc.UpdateReferences(context.Background(), req)
	if err != nil {
		t.Fatalf("UpdateReferences() error = %v", err)
	}
	return res
}

func TestMemory_UpdateReferences(t *testing.T) {
	ctx := context.Background()

	t.Run("accepts at the current version", func(t *testing.T) {
		svc := refsvc.NewMemory(testutil.FixedClock())
		res := update(t, svc, cloudsync.UpdateRequest{
			Version:  0,
			NewHeads: []cloudsync.CommitID{"a1"},
		})
		if !res.Accepted {
			t.Fatal("Accepted = false, want true")
		}
		if res.Refs.Version != 1 {
			t.Errorf("Version = %d, want 1", res.Refs.Version)
		}
		if len(res.Refs.Heads) != 1 || res.Refs.Heads[0] != "a1" {
			t.Errorf("Heads = %v, want [a1]", res.Refs.Heads)
		}
	})

	t.Run("rejects a stale version with the current refs", func(t *testing.T) {
		svc := refsvc.NewMemory(testutil.FixedClock())
		update(t, svc, cloudsync.UpdateRequest{Version: 0, NewHeads: []cloudsync.CommitID{"a1"}})

		res := update(t, svc, cloudsync.UpdateRequest{Version: 0, NewHeads: []cloudsync.CommitID{"b1"}})
		if res.Accepted {
			t.Fatal("Accepted = true, want false for stale version")
		}
		if res.Refs.Version != 1 {
			t.Errorf("rejected Refs.Version = %d, want 1", res.Refs.Version)
		}
		if len(res.Refs.Heads) != 1 || res.Refs.Heads[0] != "a1" {
			t.Errorf("rejected Refs.Heads = %v, want [a1]", res.Refs.Heads)
		}
	})

	t.Run("replaces old heads and bookmarks", func(t *testing.T) {
		svc := refsvc.NewMemory(testutil.FixedClock())
		update(t, svc, cloudsync.UpdateRequest{
			Version:      0,
			NewHeads:     []cloudsync.CommitID{"a1"},
			NewBookmarks: map[string]cloudsync.CommitID{"main": "a1", "stale": "a1"},
		})
		res := update(t, svc, cloudsync.UpdateRequest{
			Version:      1,
			OldHeads:     []cloudsync.CommitID{"a1"},
			NewHeads:     []cloudsync.CommitID{"b1"},
			OldBookmarks: []string{"main", "stale"},
			NewBookmarks: map[string]cloudsync.CommitID{"main": "b1"},
		})
		if !res.Accepted {
			t.Fatal("Accepted = false, want true")
		}
		if len(res.Refs.Heads) != 1 || res.Refs.Heads[0] != "b1" {
			t.Errorf("Heads = %v, want [b1]", res.Refs.Heads)
		}
		if res.Refs.Bookmarks["main"] != "b1" {
			t.Errorf("main = %q, want b1", res.Refs.Bookmarks["main"])
		}
		if _, ok := res.Refs.Bookmarks["stale"]; ok {
			t.Error("stale bookmark was not removed")
		}
	})

	t.Run("stamps head dates from the clock", func(t *testing.T) {
		clock := testutil.FixedClock()
		svc := refsvc.NewMemory(clock)
		update(t, svc, cloudsync.UpdateRequest{Version: 0, NewHeads: []cloudsync.CommitID{"a1"}})

		refs, err := svc.GetReferences(ctx, repoName, workspace, 0)
		if err != nil {
			t.Fatalf("GetReferences() error = %v", err)
		}
		if !refs.HeadDates["a1"].Equal(clock.Now()) {
			t.Errorf("head date = %v, want %v", refs.HeadDates["a1"], clock.Now())
		}
	})
}

func TestMemory_ObsMarkerVersionFiltering(t *testing.T) {
	ctx := context.Background()
	svc := refsvc.NewMemory(testutil.FixedClock())
	m1 := cloudsync.ObsMarker{Predecessor: "a1", Successors: []cloudsync.CommitID{"b1"}, Operation: "amend"}
	m2 := cloudsync.ObsMarker{Predecessor: "b1", Successors: []cloudsync.CommitID{"c1"}, Operation: "amend"}

	update(t, svc, cloudsync.UpdateRequest{Version: 0, NewHeads: []cloudsync.CommitID{"b1"}, ObsMarkers: []cloudsync.ObsMarker{m1}})
	update(t, svc, cloudsync.UpdateRequest{Version: 1, OldHeads: []cloudsync.CommitID{"b1"}, NewHeads: []cloudsync.CommitID{"c1"}, ObsMarkers: []cloudsync.ObsMarker{m2}})

	t.Run("since zero returns everything", func(t *testing.T) {
		refs, _ := svc.GetReferences(ctx, repoName, workspace, 0)
		if len(refs.ObsMarkers) != 2 {
			t.Errorf("markers = %d, want 2", len(refs.ObsMarkers))
		}
	})

	t.Run("since a later version returns only newer markers", func(t *testing.T) {
		refs, _ := svc.GetReferences(ctx, repoName, workspace, 1)
		if len(refs.ObsMarkers) != 1 {
			t.Fatalf("markers = %d, want 1", len(refs.ObsMarkers))
		}
		if refs.ObsMarkers[0].Predecessor != "b1" {
			t.Errorf("marker predecessor = %q, want b1", refs.ObsMarkers[0].Predecessor)
		}
	})

	t.Run("duplicate markers are union-merged", func(t *testing.T) {
		update(t, svc, cloudsync.UpdateRequest{Version: 2, ObsMarkers: []cloudsync.ObsMarker{m1}})
		refs, _ := svc.GetReferences(ctx, repoName, workspace, 0)
		if len(refs.ObsMarkers) != 2 {
			t.Errorf("markers after duplicate = %d, want 2", len(refs.ObsMarkers))
		}
	})
}

func TestMemory_FilterPushedHeads(t *testing.T) {
	ctx := context.Background()
	svc := refsvc.NewMemory(testutil.FixedClock())
	update(t, svc, cloudsync.UpdateRequest{Version: 0, NewHeads: []cloudsync.CommitID{"a1"}})
	svc.RecordBackedUp(repoName, "b1")

	missing, err := svc.FilterPushedHeads(ctx, repoName, []cloudsync.CommitID{"a1", "b1", "c1"})
	if err != nil {
		t.Fatalf("FilterPushedHeads() error = %v", err)
	}
	if len(missing) != 1 || missing[0] != "c1" {
		t.Errorf("missing = %v, want [c1]", missing)
	}

	// Another repo has seen nothing.
	missing, _ = svc.FilterPushedHeads(ctx, "otherrepo", []cloudsync.CommitID{"a1"})
	if len(missing) != 1 {
		t.Errorf("missing for other repo = %v, want [a1]", missing)
	}
}

func TestMemory_SetHeadDate(t *testing.T) {
	ctx := context.Background()
	clock := testutil.FixedClock()
	svc := refsvc.NewMemory(clock)
	update(t, svc, cloudsync.UpdateRequest{Version: 0, NewHeads: []cloudsync.CommitID{"a1"}})

	old := clock.Now().Add(-90 * 24 * time.Hour)
	if err := svc.SetHeadDate(repoName, workspace, "a1", old); err != nil {
		t.Fatalf("SetHeadDate() error = %v", err)
	}
	refs, _ := svc.GetReferences(ctx, repoName, workspace, 0)
	if !refs.HeadDates["a1"].Equal(old) {
		t.Errorf("head date = %v, want %v", refs.HeadDates["a1"], old)
	}

	if err := svc.SetHeadDate(repoName, "nosuch", "a1", old); err == nil {
		t.Error("SetHeadDate() on unknown workspace error = nil, want error")
	}
}
