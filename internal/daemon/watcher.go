// Package daemon provides the background auto-sync loop: it watches the
// local repository database for changes and subscribes to workspace change
// notifications, triggering a sync when either side moves.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ccsync/internal/cloudsync"
)

// Watcher watches a directory for writes and emits debounced triggers.
// Rapid bursts of events collapse into a single trigger.
type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	triggers chan struct{}
	logger   cloudsync.Logger

	mu      sync.Mutex
	running bool
}

// NewWatcher creates a watcher with the given debounce interval.
func NewWatcher(debounce time.Duration, logger cloudsync.Logger) (*Watcher, error) {
	if logger == nil {
		logger = cloudsync.NewNopLogger()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		watcher:  w,
		debounce: debounce,
		triggers: make(chan struct{}, 1),
		logger:   logger,
	}, nil
}

// Triggers returns the channel on which debounced change signals arrive.
func (w *Watcher) Triggers() <-chan struct{} {
	return w.triggers
}

// Start begins watching dir. It returns once the watch is registered; events
// are processed until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context, dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.running = true

	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Restart the debounce window on every relevant event.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)

		case <-timerC:
			timerC = nil
			select {
			case w.triggers <- struct{}{}:
			default:
			}
		}
	}
}
