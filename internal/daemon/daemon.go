package daemon

import (
	"context"
	"errors"
	"time"

	"ccsync/internal/cloudsync"
)

// SyncFunc runs one synchronization. The version is the cloud reference
// version that prompted the run, or 0 for local triggers.
type SyncFunc func(ctx context.Context, version int64) error

// Config holds daemon settings.
type Config struct {
	// WatchDir is the directory whose writes indicate local repo changes.
	WatchDir string
	// Debounce is how long to wait after the last write before syncing.
	Debounce time.Duration
	// NotifyURL is the websocket endpoint announcing workspace versions.
	// Empty disables remote notifications.
	NotifyURL string
	RepoName  string
	Workspace string
	Logger    cloudsync.Logger
}

// Daemon triggers syncs on local repository changes and on remote workspace
// notifications.
type Daemon struct {
	cfg  Config
	sync SyncFunc
}

// New creates a daemon. sync is invoked serially, never concurrently.
func New(cfg Config, sync SyncFunc) *Daemon {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = cloudsync.NewNopLogger()
	}
	return &Daemon{cfg: cfg, sync: sync}
}

// Run blocks until ctx is cancelled. A failed sync is logged and the loop
// keeps going; a sync that reports the lock as busy is retried on the next
// trigger.
func (d *Daemon) Run(ctx context.Context) error {
	watcher, err := NewWatcher(d.cfg.Debounce, d.cfg.Logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx, d.cfg.WatchDir); err != nil {
		return err
	}

	var notices <-chan int64
	if d.cfg.NotifyURL != "" {
		sub := NewSubscriber(d.cfg.NotifyURL, d.cfg.RepoName, d.cfg.Workspace, d.cfg.Logger)
		go sub.Run(ctx)
		notices = sub.Notices()
	}

	d.cfg.Logger.Info("daemon started", "watch_dir", d.cfg.WatchDir, "workspace", d.cfg.Workspace)
	for {
		select {
		case <-ctx.Done():
			d.cfg.Logger.Info("daemon stopping")
			return ctx.Err()

		case <-watcher.Triggers():
			d.runSync(ctx, 0)

		case version := <-notices:
			d.runSync(ctx, version)
		}
	}
}

func (d *Daemon) runSync(ctx context.Context, version int64) {
	if err := d.sync(ctx, version); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		d.cfg.Logger.Warn("background sync failed", "error", err, "version", version)
	}
}
