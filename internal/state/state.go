// Package state persists the replica's local bookkeeping: the per-workspace
// sync state, and the membership record that says which workspace this
// repository is joined to.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ccsync/internal/cloudsync"
	"ccsync/internal/state/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Membership records that the repository is joined to a cloud workspace.
type Membership struct {
	Workspace string
	RepoName  string
	JoinedAt  time.Time
}

// Store persists sync state and membership in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

var _ cloudsync.StateStore = (*Store)(nil)

// NewStore opens (or creates) the local database at path and runs any pending
// migrations. path can be ":memory:" for tests.
func NewStore(path string) (*Store, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// NewStoreFromDB wraps an existing connection with the schema already applied.
func NewStoreFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// OpenConnection opens and configures a SQLite connection with appropriate
// PRAGMAs. Exported for tools and tests that need a raw connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite ships with foreign keys off for backward compatibility.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// DB exposes the underlying connection so other stores can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path (or ":memory:").
func (s *Store) Path() string {
	return s.path
}

// CheckMigrations verifies the schema is up to date.
func (s *Store) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Load returns the stored sync state for the workspace, or the
// never-synchronized state if no row exists.
func (s *Store) Load(ctx context.Context, workspace string) (*cloudsync.SyncState, error) {
	st := cloudsync.NewSyncState()
	var heads, bookmarks, omHeads, omBookmarks string
	var maxAge sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT version, heads, bookmarks, omitted_heads, omitted_bookmarks, max_age
		 FROM sync_state WHERE workspace = ?`, workspace).
		Scan(&st.Version, &heads, &bookmarks, &omHeads, &omBookmarks, &maxAge)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading sync state: %w", err)
	}

	if err := json.Unmarshal([]byte(heads), &st.Heads); err != nil {
		return nil, fmt.Errorf("decoding heads: %w", err)
	}
	if err := json.Unmarshal([]byte(bookmarks), &st.Bookmarks); err != nil {
		return nil, fmt.Errorf("decoding bookmarks: %w", err)
	}
	if err := json.Unmarshal([]byte(omHeads), &st.OmittedHeads); err != nil {
		return nil, fmt.Errorf("decoding omitted heads: %w", err)
	}
	if err := json.Unmarshal([]byte(omBookmarks), &st.OmittedBookmarks); err != nil {
		return nil, fmt.Errorf("decoding omitted bookmarks: %w", err)
	}
	if maxAge.Valid {
		age := int(maxAge.Int64)
		st.MaxAge = &age
	}
	if st.Bookmarks == nil {
		st.Bookmarks = make(map[string]cloudsync.CommitID)
	}
	return st, nil
}

// Save upserts the sync state for the workspace.
func (s *Store) Save(ctx context.Context, workspace string, st *cloudsync.SyncState) error {
	heads, err := json.Marshal(emptyNotNil(st.Heads))
	if err != nil {
		return fmt.Errorf("encoding heads: %w", err)
	}
	bookmarks := st.Bookmarks
	if bookmarks == nil {
		bookmarks = map[string]cloudsync.CommitID{}
	}
	bms, err := json.Marshal(bookmarks)
	if err != nil {
		return fmt.Errorf("encoding bookmarks: %w", err)
	}
	omHeads, err := json.Marshal(emptyNotNil(st.OmittedHeads))
	if err != nil {
		return fmt.Errorf("encoding omitted heads: %w", err)
	}
	omBms := st.OmittedBookmarks
	if omBms == nil {
		omBms = []string{}
	}
	omBookmarks, err := json.Marshal(omBms)
	if err != nil {
		return fmt.Errorf("encoding omitted bookmarks: %w", err)
	}
	var maxAge sql.NullInt64
	if st.MaxAge != nil {
		maxAge = sql.NullInt64{Int64: int64(*st.MaxAge), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_state
		   (workspace, version, heads, bookmarks, omitted_heads, omitted_bookmarks, max_age, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (workspace) DO UPDATE SET
		   version = excluded.version,
		   heads = excluded.heads,
		   bookmarks = excluded.bookmarks,
		   omitted_heads = excluded.omitted_heads,
		   omitted_bookmarks = excluded.omitted_bookmarks,
		   max_age = excluded.max_age,
		   updated_at = excluded.updated_at`,
		workspace, st.Version, string(heads), string(bms),
		string(omHeads), string(omBookmarks), maxAge, time.Now())
	if err != nil {
		return fmt.Errorf("saving sync state: %w", err)
	}
	return nil
}

// Erase removes the stored sync state, forcing the next sync to start from
// version 0.
func (s *Store) Erase(ctx context.Context, workspace string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE workspace = ?`, workspace); err != nil {
		return fmt.Errorf("erasing sync state: %w", err)
	}
	return nil
}

// Join records that the repository is connected to a workspace.
func (s *Store) Join(ctx context.Context, repoName, workspace string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO membership (workspace, repo_name, joined_at) VALUES (?, ?, ?)
		 ON CONFLICT (workspace) DO UPDATE SET
		   repo_name = excluded.repo_name, joined_at = excluded.joined_at`,
		workspace, repoName, time.Now())
	if err != nil {
		return fmt.Errorf("recording membership: %w", err)
	}
	return nil
}

// Leave removes the membership record and the workspace's sync state.
func (s *Store) Leave(ctx context.Context, workspace string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM membership WHERE workspace = ?`, workspace); err != nil {
		return fmt.Errorf("removing membership: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_state WHERE workspace = ?`, workspace); err != nil {
		return fmt.Errorf("erasing sync state: %w", err)
	}
	return tx.Commit()
}

// Membership returns the membership record for the workspace, or nil if the
// repository is not joined to it.
func (s *Store) Membership(ctx context.Context, workspace string) (*Membership, error) {
	var m Membership
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace, repo_name, joined_at FROM membership WHERE workspace = ?`, workspace).
		Scan(&m.Workspace, &m.RepoName, &m.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading membership: %w", err)
	}
	return &m, nil
}

func emptyNotNil(ids []cloudsync.CommitID) []cloudsync.CommitID {
	if ids == nil {
		return []cloudsync.CommitID{}
	}
	return ids
}
