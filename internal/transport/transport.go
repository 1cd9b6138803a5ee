// Package transport moves commit data between the replica and the cloud's
// bundle store. Each head is packaged with its draft ancestry into a bundle
// object; the store backends know nothing about commits, only about named
// blobs.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ccsync/internal/cloudsync"
	"ccsync/internal/encryption"
	"ccsync/internal/repo"
)

// BundleStore is a named-blob store for commit bundles.
type BundleStore interface {
	// Put stores a bundle under the key. Storing the same key twice is safe.
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves a bundle. Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// ErrNotFound is returned by BundleStore.Get for missing keys.
var ErrNotFound = fmt.Errorf("bundle not found")

// Repo is the local commit store from the transport's point of view.
type Repo interface {
	// ExportDraft returns the draft commits reachable from head, parents
	// before children.
	ExportDraft(ctx context.Context, head cloudsync.CommitID) ([]repo.Commit, error)

	// ImportCommits registers pulled commits, skipping those already present.
	ImportCommits(ctx context.Context, commits []repo.Commit) error
}

// bundle is the wire envelope stored per head.
type bundle struct {
	Head    cloudsync.CommitID `json:"head"`
	Created time.Time          `json:"created"`
	Commits []bundleCommit     `json:"commits"`
}

type bundleCommit struct {
	ID      cloudsync.CommitID   `json:"id"`
	Parents []cloudsync.CommitID `json:"parents,omitempty"`
	Phase   string               `json:"phase"`
	Author  string               `json:"author,omitempty"`
	Date    time.Time            `json:"date"`
}

// BundleTransport implements cloudsync.Transport over a BundleStore.
// Payloads are optionally encrypted; pulling encrypted bundles requires an
// unlocked DecryptionContext.
type BundleTransport struct {
	repoName string
	store    BundleStore
	local    Repo
	enc      encryption.Encryptor
	dctx     encryption.DecryptionContext
	clock    cloudsync.Clock
	logger   cloudsync.Logger
}

var _ cloudsync.Transport = (*BundleTransport)(nil)

// New creates a bundle transport. enc may be nil for plaintext bundles; a nil
// clock means wall-clock time.
func New(repoName string, store BundleStore, local Repo, enc encryption.Encryptor, clock cloudsync.Clock, logger cloudsync.Logger) *BundleTransport {
	if clock == nil {
		clock = cloudsync.RealClock{}
	}
	if logger == nil {
		logger = cloudsync.NewNopLogger()
	}
	return &BundleTransport{
		repoName: repoName,
		store:    store,
		local:    local,
		enc:      enc,
		clock:    clock,
		logger:   logger,
	}
}

// Unlock attaches a decryption context for pulling encrypted bundles.
func (t *BundleTransport) Unlock(dctx encryption.DecryptionContext) {
	t.dctx = dctx
}

func (t *BundleTransport) key(head cloudsync.CommitID) string {
	return t.repoName + "/" + string(head) + ".bundle"
}

func (t *BundleTransport) encode(b *bundle) ([]byte, error) {
	plain, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encoding bundle: %w", err)
	}
	if t.enc == nil {
		return plain, nil
	}
	var buf bytes.Buffer
	if err := t.enc.Encrypt(bytes.NewReader(plain), &buf); err != nil {
		return nil, fmt.Errorf("encrypting bundle: %w", err)
	}
	return buf.Bytes(), nil
}

func (t *BundleTransport) decode(data []byte) (*bundle, error) {
	if t.enc != nil {
		if t.dctx == nil {
			return nil, fmt.Errorf("bundles are encrypted and no decryption context is unlocked")
		}
		var buf bytes.Buffer
		if err := t.dctx.Decrypt(bytes.NewReader(data), &buf); err != nil {
			return nil, fmt.Errorf("decrypting bundle: %w", err)
		}
		data = buf.Bytes()
	}
	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decoding bundle: %w", err)
	}
	return &b, nil
}

// Push uploads one bundle per head. A head whose export or upload fails is
// reported in the failed set; the rest still go out.
func (t *BundleTransport) Push(ctx context.Context, heads []cloudsync.CommitID) ([]cloudsync.CommitID, error) {
	var failed []cloudsync.CommitID
	for _, head := range heads {
		if err := t.pushOne(ctx, head); err != nil {
			t.logger.Warn("failed to push head", "head", head, "error", err)
			failed = append(failed, head)
		}
	}
	return failed, nil
}

func (t *BundleTransport) pushOne(ctx context.Context, head cloudsync.CommitID) error {
	key := t.key(head)
	ok, err := t.store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	commits, err := t.local.ExportDraft(ctx, head)
	if err != nil {
		return fmt.Errorf("exporting %s: %w", head, err)
	}
	b := &bundle{Head: head, Created: t.clock.Now().UTC()}
	for _, c := range commits {
		b.Commits = append(b.Commits, bundleCommit{
			ID:      c.ID,
			Parents: c.Parents,
			Phase:   string(c.Phase),
			Author:  c.Author,
			Date:    c.Date,
		})
	}
	data, err := t.encode(b)
	if err != nil {
		return err
	}
	if err := t.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	t.logger.Debug("pushed bundle", "head", head, "commits", len(b.Commits))
	return nil
}

// Pull fetches the bundles for the given heads and imports their commits.
// A missing or unreadable bundle fails the whole pull and the sync run aborts.
// Heads imported before the failure stay imported; re-importing is harmless.
func (t *BundleTransport) Pull(ctx context.Context, heads []cloudsync.CommitID) error {
	for _, head := range heads {
		data, err := t.store.Get(ctx, t.key(head))
		if err != nil {
			return fmt.Errorf("fetching bundle for %s: %w", head, err)
		}
		b, err := t.decode(data)
		if err != nil {
			return fmt.Errorf("reading bundle for %s: %w", head, err)
		}
		commits := make([]repo.Commit, 0, len(b.Commits))
		for _, c := range b.Commits {
			commits = append(commits, repo.Commit{
				ID:      c.ID,
				Parents: c.Parents,
				Phase:   repo.Phase(c.Phase),
				Author:  c.Author,
				Date:    c.Date,
			})
		}
		if err := t.local.ImportCommits(ctx, commits); err != nil {
			return fmt.Errorf("importing bundle for %s: %w", head, err)
		}
		t.logger.Debug("pulled bundle", "head", head, "commits", len(commits))
	}
	return nil
}
