// Package app is the application layer between the CLI and the sync engine.
// It constructs all dependencies from config, exposes the high-level
// operations (join, sync, recover, leave), and serializes runs with an
// advisory lock.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"ccsync/internal/cloudsync"
	"ccsync/internal/config"
	"ccsync/internal/encryption"
	"ccsync/internal/refsvc"
	"ccsync/internal/repo"
	"ccsync/internal/state"
	"ccsync/internal/transport"
)

// App wires the engine together for one CLI invocation.
// The caller must call Close when done.
type App struct {
	cfg       *config.Config
	states    *state.Store
	repo      *repo.SQLiteStore
	service   cloudsync.ReferenceService
	transport *transport.BundleTransport
	encryptor encryption.Encryptor
	syncer    *cloudsync.Syncer
	lock      *syncLock
	logger    *slogAdapter
	logFile   *os.File
	opID      string
}

// Status describes the replica's relationship to its workspace.
type Status struct {
	RepoName         string
	Workspace        string
	Joined           bool
	Version          int64
	Heads            int
	OmittedHeads     int
	OmittedBookmarks int
}

// ErrNeverConnected is returned by Rejoin when the named workspace has no
// state on the reference service, so there is nothing to reconnect to.
var ErrNeverConnected = errors.New("this workspace has never been connected to the cloud service")

// NewApp creates a fully wired App from the given config. operation
// identifies the CLI command being run (e.g. "Sync", "Join").
func NewApp(cfg *config.Config, operation string) (*App, error) {
	if cfg.RepoName == "" {
		return nil, fmt.Errorf("repo_name is not configured")
	}
	if cfg.UserCommitsOnly && cfg.PushAuthor == "" {
		return nil, fmt.Errorf("user_commits_only requires push_author to be set")
	}
	hostID, err := resolveHostID(cfg.HostID)
	if err != nil {
		return nil, err
	}
	workspace := cfg.Workspace
	if workspace == "" {
		workspace = cloudsync.DefaultWorkspace
	}

	opID := operation + "-" + uuid.New().String()[:8]
	logger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	dbPath := ":memory:"
	if cfg.Database.Type != "memory" {
		if cfg.Database.DataDir == "" {
			logFile.Close()
			return nil, fmt.Errorf("sqlite database requires data_dir to be set")
		}
		dbPath = filepath.Join(cfg.Database.DataDir, "ccsync.db")
		if err := os.MkdirAll(cfg.Database.DataDir, 0755); err != nil {
			logFile.Close()
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	states, err := state.NewStore(dbPath)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	repoStore := repo.NewSQLiteStore(states.DB())

	clock := cloudsync.RealClock{}
	service, err := refsvc.NewFromConfig(cfg.Service, clock)
	if err != nil {
		states.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating reference service: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		states.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	store, err := transport.NewStoreFromConfig(context.Background(), cfg.BundleStore)
	if err != nil {
		states.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating bundle store: %w", err)
	}
	bundles := transport.New(cfg.RepoName, store, repoStore, enc, clock, log)

	var maxAge *int
	if cfg.MaxSyncAge > 0 {
		age := cfg.MaxSyncAge
		maxAge = &age
	}
	var authorFilter string
	if cfg.UserCommitsOnly {
		authorFilter = cfg.PushAuthor
	}

	syncer := cloudsync.New(cloudsync.Config{
		Service:              service,
		Storage:              repoStore,
		States:               states,
		Transport:            bundles,
		Logger:               log,
		Clock:                clock,
		RepoName:             cfg.RepoName,
		Workspace:            workspace,
		HostID:               hostID,
		MaxSyncAge:           maxAge,
		NoCheckBackedUpLimit: cfg.NoCheckBackedUpLimit,
		AuthorFilter:         authorFilter,
		CustomPushRevs:       joinRevs(cfg.CustomPushRevs),
	})

	lock := newSyncLock(cfg.BaseDir)
	lock.onWait = func(waited time.Duration) {
		log.Info("waiting for another sync to finish", "waited", waited.Round(time.Second).String())
	}

	return &App{
		cfg:       cfg,
		states:    states,
		repo:      repoStore,
		service:   service,
		transport: bundles,
		encryptor: enc,
		syncer:    syncer,
		lock:      lock,
		logger:    log,
		logFile:   logFile,
		opID:      opID,
	}, nil
}

// resolveHostID falls back to the machine's network hostname when host_id is
// not configured. The host id distinguishes replicas in bookmark fork names,
// so it must never be empty.
func resolveHostID(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("host_id is not configured and the hostname is unavailable: %w", err)
	}
	if hostname == "" {
		return "", fmt.Errorf("host_id is not configured and the hostname is empty")
	}
	return hostname, nil
}

// joinRevs intersects the configured restriction expressions.
func joinRevs(revs []string) string {
	switch len(revs) {
	case 0:
		return ""
	case 1:
		return revs[0]
	}
	out := ""
	for i, r := range revs {
		if i > 0 {
			out += " & "
		}
		out += "(" + r + ")"
	}
	return out
}

func (a *App) workspace() string {
	if a.cfg.Workspace != "" {
		return a.cfg.Workspace
	}
	return cloudsync.DefaultWorkspace
}

func (a *App) lockTimeout() time.Duration {
	if a.cfg.LockTimeoutSeconds > 0 {
		return time.Duration(a.cfg.LockTimeoutSeconds) * time.Second
	}
	return 120 * time.Second
}

// Unlock attaches a decryption context for pulling encrypted bundles.
// Required before Sync when bundles are encrypted and a pull may happen.
func (a *App) Unlock(passphrase string) error {
	if a.encryptor == nil {
		return nil
	}
	dctx, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking private key: %w", err)
	}
	a.transport.Unlock(dctx)
	return nil
}

// Join connects the repository to the workspace and runs the initial sync.
func (a *App) Join(ctx context.Context) (*cloudsync.Result, error) {
	if err := a.service.Check(ctx); err != nil {
		return nil, fmt.Errorf("reference service check failed: %w", err)
	}
	if err := a.states.Join(ctx, a.cfg.RepoName, a.workspace()); err != nil {
		return nil, err
	}
	a.logger.Info("joined workspace", "workspace", a.workspace())
	return a.Sync(ctx, cloudsync.Options{})
}

// Rejoin reconnects after the local state was lost or invalidated. It fetches
// a fresh reference snapshot first so the sync starts from the cloud's view.
// A workspace the service has never seen is refused: rejoining must never
// create workspace state, or a mistyped name would quietly wipe the local
// bookkeeping and register an empty workspace.
func (a *App) Rejoin(ctx context.Context) (*cloudsync.Result, error) {
	if err := a.service.Check(ctx); err != nil {
		return nil, fmt.Errorf("reference service check failed: %w", err)
	}
	refs, err := a.service.GetReferences(ctx, a.cfg.RepoName, a.workspace(), 0)
	if err != nil {
		return nil, fmt.Errorf("fetching references: %w", err)
	}
	if refs.Version == 0 {
		return nil, fmt.Errorf("workspace %q: %w", a.workspace(), ErrNeverConnected)
	}
	if err := a.states.Erase(ctx, a.workspace()); err != nil {
		return nil, err
	}
	if err := a.states.Join(ctx, a.cfg.RepoName, a.workspace()); err != nil {
		return nil, err
	}
	a.logger.Info("rejoined workspace", "workspace", a.workspace(), "version", refs.Version)
	return a.Sync(ctx, cloudsync.Options{CloudRefs: refs, CheckBackedUp: true})
}

// Leave disconnects the repository from the workspace. Local commits are
// untouched; only the membership and sync bookkeeping are removed.
func (a *App) Leave(ctx context.Context) error {
	m, err := a.states.Membership(ctx, a.workspace())
	if err != nil {
		return err
	}
	if m == nil {
		return cloudsync.ErrNotJoined
	}
	if err := a.states.Leave(ctx, a.workspace()); err != nil {
		return err
	}
	a.logger.Info("left workspace", "workspace", a.workspace())
	return nil
}

// Sync runs one synchronization under the advisory lock. It returns
// ErrLockTimeout when another process holds the lock past the configured
// window.
func (a *App) Sync(ctx context.Context, opts cloudsync.Options) (*cloudsync.Result, error) {
	m, err := a.states.Membership(ctx, a.workspace())
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, cloudsync.ErrNotJoined
	}

	if err := a.lock.Acquire(a.lockTimeout()); err != nil {
		return nil, err
	}
	defer a.lock.Release()

	result, err := a.syncer.Sync(ctx, opts)
	if result != nil && result.MovedTo != "" && a.cfg.UpdateOnMove {
		if uerr := a.repo.SetCheckedOut(ctx, result.MovedTo); uerr != nil {
			a.logger.Warn("failed to move working copy", "target", result.MovedTo, "error", uerr)
		} else {
			a.logger.Info("moved working copy to successor", "target", result.MovedTo)
		}
	}
	return result, err
}

// Recover discards the local sync bookkeeping and resynchronizes the full
// workspace from version 0.
func (a *App) Recover(ctx context.Context) (*cloudsync.Result, error) {
	m, err := a.states.Membership(ctx, a.workspace())
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, cloudsync.ErrNotJoined
	}
	if err := a.states.Erase(ctx, a.workspace()); err != nil {
		return nil, err
	}
	a.logger.Info("recovering workspace from scratch", "workspace", a.workspace())
	return a.Sync(ctx, cloudsync.Options{Full: true})
}

// Status reports the replica's membership and last-applied state.
func (a *App) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		RepoName:  a.cfg.RepoName,
		Workspace: a.workspace(),
	}
	m, err := a.states.Membership(ctx, a.workspace())
	if err != nil {
		return nil, err
	}
	if m == nil {
		return st, nil
	}
	st.Joined = true

	synced, err := a.states.Load(ctx, a.workspace())
	if err != nil {
		return nil, err
	}
	st.Version = synced.Version
	st.Heads = len(synced.Heads)
	st.OmittedHeads = len(synced.OmittedHeads)
	st.OmittedBookmarks = len(synced.OmittedBookmarks)
	return st, nil
}

// Repo exposes the local commit store for the CLI and the daemon.
func (a *App) Repo() *repo.SQLiteStore {
	return a.repo
}

// Config returns the active configuration.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Service exposes the reference service for the daemon's notification loop.
func (a *App) Service() cloudsync.ReferenceService {
	return a.service
}

// Close releases the database and log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.states.Close(); err != nil {
		firstErr = fmt.Errorf("closing state store: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
