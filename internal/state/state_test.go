package state_test

import (
	"context"
	"reflect"
	"testing"

	"ccsync/internal/cloudsync"
	"ccsync/internal/testutil"
)

func TestStore_LoadFresh(t *testing.T) {
	s := testutil.NewTestStateStore(t)

	st, err := s.Load(context.Background(), "default")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if st.Version != 0 {
		t.Errorf("Version = %d, want 0", st.Version)
	}
	if len(st.Heads) != 0 || len(st.Bookmarks) != 0 {
		t.Errorf("fresh state not empty: %+v", st)
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStateStore(t)

	maxAge := 14
	saved := &cloudsync.SyncState{
		Version:          7,
		Heads:            []cloudsync.CommitID{"a1", "b1"},
		Bookmarks:        map[string]cloudsync.CommitID{"main": "b1"},
		OmittedHeads:     []cloudsync.CommitID{"a1"},
		OmittedBookmarks: []string{"stale"},
		MaxAge:           &maxAge,
	}
	if err := s.Save(ctx, "default", saved); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := s.Load(ctx, "default")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Version != 7 {
		t.Errorf("Version = %d, want 7", loaded.Version)
	}
	if !reflect.DeepEqual(loaded.Heads, saved.Heads) {
		t.Errorf("Heads = %v, want %v", loaded.Heads, saved.Heads)
	}
	if !reflect.DeepEqual(loaded.Bookmarks, saved.Bookmarks) {
		t.Errorf("Bookmarks = %v, want %v", loaded.Bookmarks, saved.Bookmarks)
	}
	if !reflect.DeepEqual(loaded.OmittedHeads, saved.OmittedHeads) {
		t.Errorf("OmittedHeads = %v, want %v", loaded.OmittedHeads, saved.OmittedHeads)
	}
	if !reflect.DeepEqual(loaded.OmittedBookmarks, saved.OmittedBookmarks) {
		t.Errorf("OmittedBookmarks = %v, want %v", loaded.OmittedBookmarks, saved.OmittedBookmarks)
	}
	if loaded.MaxAge == nil || *loaded.MaxAge != 14 {
		t.Errorf("MaxAge = %v, want 14", loaded.MaxAge)
	}

	// Saving again overwrites the row.
	saved.Version = 8
	saved.MaxAge = nil
	if err := s.Save(ctx, "default", saved); err != nil {
		t.Fatalf("Save() second error = %v", err)
	}
	loaded, _ = s.Load(ctx, "default")
	if loaded.Version != 8 {
		t.Errorf("Version after update = %d, want 8", loaded.Version)
	}
	if loaded.MaxAge != nil {
		t.Errorf("MaxAge after update = %v, want nil", loaded.MaxAge)
	}
}

func TestStore_WorkspacesAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStateStore(t)

	if err := s.Save(ctx, "default", &cloudsync.SyncState{Version: 3}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	other, err := s.Load(ctx, "feature")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if other.Version != 0 {
		t.Errorf("other workspace Version = %d, want 0", other.Version)
	}
}

func TestStore_Erase(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStateStore(t)

	if err := s.Save(ctx, "default", &cloudsync.SyncState{Version: 3}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Erase(ctx, "default"); err != nil {
		t.Fatalf("Erase() error = %v", err)
	}
	st, _ := s.Load(ctx, "default")
	if st.Version != 0 {
		t.Errorf("Version after erase = %d, want 0", st.Version)
	}
	// Erasing an absent workspace is not an error.
	if err := s.Erase(ctx, "default"); err != nil {
		t.Errorf("Erase() second error = %v", err)
	}
}

func TestStore_Membership(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStateStore(t)

	m, err := s.Membership(ctx, "default")
	if err != nil {
		t.Fatalf("Membership() error = %v", err)
	}
	if m != nil {
		t.Errorf("Membership() = %+v, want nil before join", m)
	}

	if err := s.Join(ctx, "myrepo", "default"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	m, err = s.Membership(ctx, "default")
	if err != nil {
		t.Fatalf("Membership() error = %v", err)
	}
	if m == nil {
		t.Fatal("Membership() = nil after join")
	}
	if m.RepoName != "myrepo" || m.Workspace != "default" {
		t.Errorf("Membership() = %+v, want myrepo/default", m)
	}
	if m.JoinedAt.IsZero() {
		t.Error("JoinedAt is zero")
	}

	// Leave drops both the membership and the sync state.
	if err := s.Save(ctx, "default", &cloudsync.SyncState{Version: 5}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Leave(ctx, "default"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	m, _ = s.Membership(ctx, "default")
	if m != nil {
		t.Errorf("Membership() after leave = %+v, want nil", m)
	}
	st, _ := s.Load(ctx, "default")
	if st.Version != 0 {
		t.Errorf("Version after leave = %d, want 0", st.Version)
	}
}

func TestStore_CheckMigrations(t *testing.T) {
	s := testutil.NewTestStateStore(t)
	if err := s.CheckMigrations(); err != nil {
		t.Errorf("CheckMigrations() error = %v", err)
	}
}
