package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ccsync/internal/cloudsync"
)

// SQLiteStore persists the commit metadata in the local SQLite database
// (shared with the sync state tables). Graph queries load the metadata and
// answer through the same snapshot logic as the in-memory store; the store is
// metadata-scale, not content-scale, so this stays cheap.
type SQLiteStore struct {
	db *sql.DB
}

var _ cloudsync.Storage = (*SQLiteStore)(nil)

// NewSQLiteStore wraps an open database connection with the repo schema
// already applied.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) loadCommits(ctx context.Context) (map[cloudsync.CommitID]*Commit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parents, phase, author, date, hidden FROM commits`)
	if err != nil {
		return nil, fmt.Errorf("loading commits: %w", err)
	}
	defer rows.Close()

	commits := make(map[cloudsync.CommitID]*Commit)
	for rows.Next() {
		var c Commit
		var id, parents, phase string
		var date time.Time
		var hidden bool
		if err := rows.Scan(&id, &parents, &phase, &c.Author, &date, &hidden); err != nil {
			return nil, fmt.Errorf("scanning commit: %w", err)
		}
		if err := json.Unmarshal([]byte(parents), &c.Parents); err != nil {
			return nil, fmt.Errorf("decoding parents of %s: %w", id, err)
		}
		c.ID = cloudsync.CommitID(id)
		c.Phase = Phase(phase)
		c.Date = date
		c.Hidden = hidden
		commits[c.ID] = &c
	}
	return commits, rows.Err()
}

func (s *SQLiteStore) loadMarkers(ctx context.Context, pendingOnly bool) ([]cloudsync.ObsMarker, error) {
	query := `SELECT predecessor, successors, time, operation, metadata FROM obsmarkers`
	if pendingOnly {
		query += ` WHERE pending = 1`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("loading obsmarkers: %w", err)
	}
	defer rows.Close()

	var markers []cloudsync.ObsMarker
	for rows.Next() {
		var m cloudsync.ObsMarker
		var pred, successors, metadata string
		if err := rows.Scan(&pred, &successors, &m.Time, &m.Operation, &metadata); err != nil {
			return nil, fmt.Errorf("scanning obsmarker: %w", err)
		}
		if err := json.Unmarshal([]byte(successors), &m.Successors); err != nil {
			return nil, fmt.Errorf("decoding successors: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decoding marker metadata: %w", err)
		}
		m.Predecessor = cloudsync.CommitID(pred)
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

func (s *SQLiteStore) snapshot(ctx context.Context) (*graph, []cloudsync.ObsMarker, error) {
	commits, err := s.loadCommits(ctx)
	if err != nil {
		return nil, nil, err
	}
	markers, err := s.loadMarkers(ctx, false)
	if err != nil {
		return nil, nil, err
	}
	return newGraph(commits, markers), markers, nil
}

func (s *SQLiteStore) Heads(ctx context.Context) ([]cloudsync.CommitID, error) {
	g, _, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return g.heads(), nil
}

func (s *SQLiteStore) Bookmarks(ctx context.Context) (map[string]cloudsync.CommitID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, target FROM bookmarks`)
	if err != nil {
		return nil, fmt.Errorf("loading bookmarks: %w", err)
	}
	defer rows.Close()

	bookmarks := make(map[string]cloudsync.CommitID)
	for rows.Next() {
		var name, target string
		if err := rows.Scan(&name, &target); err != nil {
			return nil, fmt.Errorf("scanning bookmark: %w", err)
		}
		bookmarks[name] = cloudsync.CommitID(target)
	}
	return bookmarks, rows.Err()
}

func (s *SQLiteStore) HasCommit(ctx context.Context, id cloudsync.CommitID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM commits WHERE id = ?`, string(id)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking commit %s: %w", id, err)
	}
	return true, nil
}

func (s *SQLiteStore) DraftAncestors(ctx context.Context, heads []cloudsync.CommitID) ([]cloudsync.CommitID, error) {
	g, _, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return g.draftAncestors(heads), nil
}

func (s *SQLiteStore) AvailableHeads(ctx context.Context, pushed, synced []cloudsync.CommitID) ([]cloudsync.CommitID, error) {
	g, _, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return g.availableHeads(pushed, synced), nil
}

func (s *SQLiteStore) HiddenAncestors(ctx context.Context, heads []cloudsync.CommitID) ([]cloudsync.CommitID, error) {
	g, _, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return g.hiddenAncestors(heads), nil
}

func (s *SQLiteStore) Revive(ctx context.Context, ids []cloudsync.CommitID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE commits SET hidden = 0 WHERE id = ?`, string(id)); err != nil {
			return fmt.Errorf("reviving commit %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) PendingObsMarkers(ctx context.Context) ([]cloudsync.ObsMarker, error) {
	return s.loadMarkers(ctx, true)
}

func (s *SQLiteStore) ClearPendingObsMarkers(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE obsmarkers SET pending = 0 WHERE pending = 1`); err != nil {
		return fmt.Errorf("clearing pending obsmarkers: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SuccessorsOf(ctx context.Context, id cloudsync.CommitID) ([]cloudsync.CommitID, error) {
	markers, err := s.loadMarkers(ctx, false)
	if err != nil {
		return nil, err
	}
	return successorsOf(markers, id), nil
}

func (s *SQLiteStore) CheckedOut(ctx context.Context) (cloudsync.CommitID, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT commit_id FROM checkout WHERE rowid = 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading checkout: %w", err)
	}
	return cloudsync.CommitID(id), nil
}

// SetCheckedOut records the working copy parent.
func (s *SQLiteStore) SetCheckedOut(ctx context.Context, id cloudsync.CommitID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkout (rowid, commit_id) VALUES (1, ?)
		 ON CONFLICT (rowid) DO UPDATE SET commit_id = excluded.commit_id`, string(id))
	if err != nil {
		return fmt.Errorf("recording checkout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) EvaluateRestriction(ctx context.Context, expr string) ([]cloudsync.CommitID, error) {
	g, _, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return g.evaluateRestriction(expr)
}

// Apply applies the change set in one database transaction.
func (s *SQLiteStore) Apply(ctx context.Context, changes cloudsync.ChangeSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, bc := range changes.Bookmarks {
		if bc.Target == "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM bookmarks WHERE name = ?`, bc.Name); err != nil {
				return fmt.Errorf("deleting bookmark %s: %w", bc.Name, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bookmarks (name, target) VALUES (?, ?)
			 ON CONFLICT (name) DO UPDATE SET target = excluded.target`,
			bc.Name, string(bc.Target)); err != nil {
			return fmt.Errorf("setting bookmark %s: %w", bc.Name, err)
		}
	}
	for _, m := range changes.ObsMarkers {
		if err := insertMarker(ctx, tx, m, false); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AddCommit registers a commit, overwriting any existing row.
func (s *SQLiteStore) AddCommit(ctx context.Context, c Commit) error {
	parents, err := json.Marshal(c.Parents)
	if err != nil {
		return fmt.Errorf("encoding parents: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO commits (id, parents, phase, author, date, hidden)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   parents = excluded.parents, phase = excluded.phase,
		   author = excluded.author, date = excluded.date, hidden = excluded.hidden`,
		string(c.ID), string(parents), string(c.Phase), c.Author, c.Date, c.Hidden)
	if err != nil {
		return fmt.Errorf("inserting commit %s: %w", c.ID, err)
	}
	return nil
}

// SetBookmark records a local bookmark move.
func (s *SQLiteStore) SetBookmark(ctx context.Context, name string, target cloudsync.CommitID) error {
	return s.Apply(ctx, cloudsync.ChangeSet{
		Bookmarks: []cloudsync.BookmarkChange{{Name: name, Target: target}},
	})
}

// DeleteBookmark removes a local bookmark.
func (s *SQLiteStore) DeleteBookmark(ctx context.Context, name string) error {
	return s.Apply(ctx, cloudsync.ChangeSet{
		Bookmarks: []cloudsync.BookmarkChange{{Name: name}},
	})
}

// AddLocalObsMarker records a marker created locally; it stays pending until
// the service acknowledges it.
func (s *SQLiteStore) AddLocalObsMarker(ctx context.Context, m cloudsync.ObsMarker) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	if err := insertMarker(ctx, tx, m, true); err != nil {
		return err
	}
	return tx.Commit()
}

// Hide marks commits as hidden.
func (s *SQLiteStore) Hide(ctx context.Context, ids ...cloudsync.CommitID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE commits SET hidden = 1 WHERE id = ?`, string(id)); err != nil {
			return fmt.Errorf("hiding commit %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ExportDraft returns the draft commits reachable from head, parents before
// children.
func (s *SQLiteStore) ExportDraft(ctx context.Context, head cloudsync.CommitID) ([]Commit, error) {
	commits, err := s.loadCommits(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := commits[head]; !ok {
		return nil, fmt.Errorf("unknown commit %s", head)
	}
	markers, err := s.loadMarkers(ctx, false)
	if err != nil {
		return nil, err
	}
	ids := newGraph(commits, markers).draftAncestors([]cloudsync.CommitID{head})
	idSet := make(map[cloudsync.CommitID]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	var out []Commit
	emitted := make(map[cloudsync.CommitID]bool)
	var emit func(id cloudsync.CommitID)
	emit = func(id cloudsync.CommitID) {
		if emitted[id] || !idSet[id] {
			return
		}
		emitted[id] = true
		for _, p := range commits[id].Parents {
			emit(p)
		}
		out = append(out, *commits[id])
	}
	for _, id := range ids {
		emit(id)
	}
	return out, nil
}

// ImportCommits registers pulled commits, skipping those already present.
func (s *SQLiteStore) ImportCommits(ctx context.Context, imported []Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	for _, c := range imported {
		parents, err := json.Marshal(c.Parents)
		if err != nil {
			return fmt.Errorf("encoding parents: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO commits (id, parents, phase, author, date, hidden)
			 VALUES (?, ?, ?, ?, ?, 0)
			 ON CONFLICT (id) DO NOTHING`,
			string(c.ID), string(parents), string(c.Phase), c.Author, c.Date); err != nil {
			return fmt.Errorf("importing commit %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func insertMarker(ctx context.Context, tx *sql.Tx, m cloudsync.ObsMarker, pending bool) error {
	successors, err := json.Marshal(m.Successors)
	if err != nil {
		return fmt.Errorf("encoding successors: %w", err)
	}
	metadata := m.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encoding marker metadata: %w", err)
	}
	// The uniqueness constraint on the marker tuple makes re-adding an
	// existing marker a no-op.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO obsmarkers (predecessor, successors, time, operation, metadata, pending)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (predecessor, successors, operation, metadata) DO NOTHING`,
		string(m.Predecessor), string(successors), m.Time, m.Operation, string(meta), pending)
	if err != nil {
		return fmt.Errorf("inserting obsmarker: %w", err)
	}
	return nil
}
