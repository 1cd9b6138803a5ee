package repo_test

import (
	"context"
	"testing"

	"ccsync/internal/cloudsync"
	"ccsync/internal/repo"
	"ccsync/internal/testutil"
)

func newTestSQLiteStore(t *testing.T) *repo.SQLiteStore {
	t.Helper()
	states := testutil.NewTestStateStore(t)
	return repo.NewSQLiteStore(states.DB())
}

func TestSQLiteStore_Commits(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	if err := s.AddCommit(ctx, public("p1")); err != nil {
		t.Fatalf("AddCommit() error = %v", err)
	}
	if err := s.AddCommit(ctx, draft("a1", "p1")); err != nil {
		t.Fatalf("AddCommit() error = %v", err)
	}
	if err := s.AddCommit(ctx, draft("b1", "a1")); err != nil {
		t.Fatalf("AddCommit() error = %v", err)
	}

	present, err := s.HasCommit(ctx, "a1")
	if err != nil {
		t.Fatalf("HasCommit() error = %v", err)
	}
	if !present {
		t.Error("HasCommit(a1) = false, want true")
	}
	present, _ = s.HasCommit(ctx, "zz")
	if present {
		t.Error("HasCommit(zz) = true, want false")
	}

	heads, err := s.Heads(ctx)
	if err != nil {
		t.Fatalf("Heads() error = %v", err)
	}
	wantIDs(t, heads, "b1")

	ancestors, _ := s.DraftAncestors(ctx, []cloudsync.CommitID{"b1"})
	wantIDs(t, ancestors, "a1", "b1")
}

func TestSQLiteStore_HideAndRevive(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)
	s.AddCommit(ctx, draft("a1"))
	s.AddCommit(ctx, draft("b1", "a1"))

	if err := s.Hide(ctx, "b1"); err != nil {
		t.Fatalf("Hide() error = %v", err)
	}
	heads, _ := s.Heads(ctx)
	wantIDs(t, heads, "a1")

	hidden, _ := s.HiddenAncestors(ctx, []cloudsync.CommitID{"b1"})
	wantIDs(t, hidden, "b1")

	if err := s.Revive(ctx, []cloudsync.CommitID{"b1"}); err != nil {
		t.Fatalf("Revive() error = %v", err)
	}
	heads, _ = s.Heads(ctx)
	wantIDs(t, heads, "b1")
}

func TestSQLiteStore_Bookmarks(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)
	s.AddCommit(ctx, draft("a1"))

	if err := s.SetBookmark(ctx, "main", "a1"); err != nil {
		t.Fatalf("SetBookmark() error = %v", err)
	}
	bookmarks, err := s.Bookmarks(ctx)
	if err != nil {
		t.Fatalf("Bookmarks() error = %v", err)
	}
	if bookmarks["main"] != "a1" {
		t.Errorf("main = %q, want a1", bookmarks["main"])
	}

	if err := s.DeleteBookmark(ctx, "main"); err != nil {
		t.Fatalf("DeleteBookmark() error = %v", err)
	}
	bookmarks, _ = s.Bookmarks(ctx)
	if _, ok := bookmarks["main"]; ok {
		t.Error("main still present after deletion")
	}
}

func TestSQLiteStore_ObsMarkers(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)
	s.AddCommit(ctx, draft("a1"))
	s.AddCommit(ctx, draft("b1", "a1"))
	s.AddCommit(ctx, draft("c1", "a1"))

	m := cloudsync.ObsMarker{
		Predecessor: "b1",
		Successors:  []cloudsync.CommitID{"c1"},
		Operation:   "amend",
		Metadata:    map[string]string{"user": "alice"},
	}
	if err := s.AddLocalObsMarker(ctx, m); err != nil {
		t.Fatalf("AddLocalObsMarker() error = %v", err)
	}
	// Re-adding the same marker is a no-op.
	if err := s.AddLocalObsMarker(ctx, m); err != nil {
		t.Fatalf("AddLocalObsMarker() second error = %v", err)
	}

	pending, err := s.PendingObsMarkers(ctx)
	if err != nil {
		t.Fatalf("PendingObsMarkers() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %v, want 1 marker", pending)
	}
	if pending[0].Metadata["user"] != "alice" {
		t.Errorf("metadata user = %q, want alice", pending[0].Metadata["user"])
	}

	heads, _ := s.Heads(ctx)
	wantIDs(t, heads, "c1")

	successors, _ := s.SuccessorsOf(ctx, "b1")
	wantIDs(t, successors, "c1")

	if err := s.ClearPendingObsMarkers(ctx); err != nil {
		t.Fatalf("ClearPendingObsMarkers() error = %v", err)
	}
	pending, _ = s.PendingObsMarkers(ctx)
	if len(pending) != 0 {
		t.Errorf("pending after clear = %v, want none", pending)
	}
	successors, _ = s.SuccessorsOf(ctx, "b1")
	wantIDs(t, successors, "c1")
}

func TestSQLiteStore_ApplyTransaction(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)
	s.AddCommit(ctx, draft("a1"))
	s.AddCommit(ctx, draft("b1", "a1"))

	err := s.Apply(ctx, cloudsync.ChangeSet{
		Bookmarks: []cloudsync.BookmarkChange{
			{Name: "main", Target: "b1"},
			{Name: "feat", Target: "a1"},
		},
		ObsMarkers: []cloudsync.ObsMarker{
			{Predecessor: "a1", Successors: []cloudsync.CommitID{"b1"}, Operation: "rebase"},
		},
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	bookmarks, _ := s.Bookmarks(ctx)
	if bookmarks["main"] != "b1" || bookmarks["feat"] != "a1" {
		t.Errorf("bookmarks = %v, want main=b1 feat=a1", bookmarks)
	}
	// Cloud-sourced markers never become pending.
	pending, _ := s.PendingObsMarkers(ctx)
	if len(pending) != 0 {
		t.Errorf("pending = %v, want none", pending)
	}
	successors, _ := s.SuccessorsOf(ctx, "a1")
	wantIDs(t, successors, "b1")
}

func TestSQLiteStore_Checkout(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	id, err := s.CheckedOut(ctx)
	if err != nil {
		t.Fatalf("CheckedOut() error = %v", err)
	}
	if id != "" {
		t.Errorf("CheckedOut() = %q, want empty", id)
	}

	if err := s.SetCheckedOut(ctx, "a1"); err != nil {
		t.Fatalf("SetCheckedOut() error = %v", err)
	}
	if err := s.SetCheckedOut(ctx, "b1"); err != nil {
		t.Fatalf("SetCheckedOut() update error = %v", err)
	}
	id, _ = s.CheckedOut(ctx)
	if id != "b1" {
		t.Errorf("CheckedOut() = %q, want b1", id)
	}
}

func TestSQLiteStore_ExportImport(t *testing.T) {
	ctx := context.Background()
	src := newTestSQLiteStore(t)
	src.AddCommit(ctx, public("p1"))
	src.AddCommit(ctx, draft("a1", "p1"))
	src.AddCommit(ctx, draft("b1", "a1"))

	commits, err := src.ExportDraft(ctx, "b1")
	if err != nil {
		t.Fatalf("ExportDraft() error = %v", err)
	}
	if len(commits) != 2 || commits[0].ID != "a1" || commits[1].ID != "b1" {
		t.Fatalf("exported %v, want [a1 b1]", commits)
	}

	dst := newTestSQLiteStore(t)
	if err := dst.ImportCommits(ctx, commits); err != nil {
		t.Fatalf("ImportCommits() error = %v", err)
	}
	if err := dst.ImportCommits(ctx, commits); err != nil {
		t.Fatalf("ImportCommits() second error = %v", err)
	}
	heads, _ := dst.Heads(ctx)
	wantIDs(t, heads, "b1")
}
