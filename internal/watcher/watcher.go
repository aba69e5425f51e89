// Package watcher monitors the local task database and triggers a sync pass
// when it changes, so local edits reach the provider without waiting for the
// next daemon interval. Rapid changes are debounced, and an optional quiet
// period defers the pass while edits are still arriving.
package watcher

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"todosync/internal/utils"
)

const (
	// DefaultDebounceDuration batches rapid changes into one trigger.
	DefaultDebounceDuration = 1 * time.Second

	// DefaultQuietPeriod is how long the files must stay untouched before a
	// deferred trigger fires.
	DefaultQuietPeriod = 2 * time.Second
)

// Config holds file watcher configuration.
type Config struct {
	Paths            []string      // files or directories to watch
	DebounceDuration time.Duration // debounce window to batch rapid changes
	QuietPeriod      time.Duration // quiet period to detect active editing (0 = disabled)
	OnSync           func()        // called when a sync pass should run
}

// DefaultConfig returns a Config with the default timing.
func DefaultConfig(onSync func()) *Config {
	return &Config{
		DebounceDuration: DefaultDebounceDuration,
		QuietPeriod:      DefaultQuietPeriod,
		OnSync:           onSync,
	}
}

// DatabasePaths returns the paths to watch for a sqlite database. The
// companion -wal file is included because another writer may run the
// database in WAL mode, where writes land there first.
func DatabasePaths(dbPath string) []string {
	return []string{dbPath, dbPath + "-wal"}
}

// Watcher monitors file system changes and triggers sync passes.
type Watcher struct {
	cfg     *Config
	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
}

// New creates a Watcher. Call Start to begin delivering triggers.
func New(cfg *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		cfg:    cfg,
		fsw:    fsw,
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins watching the configured paths. Paths that do not exist yet
// are skipped; they may be created later.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return fmt.Errorf("watcher has been stopped and cannot be restarted")
	}
	w.mu.Unlock()

	for _, path := range w.cfg.Paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			utils.Debugf("watcher: skipping missing path %s", path)
			continue
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch path %q: %w", path, err)
		}
	}

	go w.eventLoop()
	return nil
}

// Stop stops the watcher. A stopped watcher cannot be restarted.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stopCh)
	_ = w.fsw.Close()
}

func (w *Watcher) eventLoop() {
	var debounceTimer *time.Timer
	var quietTimer *time.Timer

	debounceCh := make(chan struct{}, 1)
	quietCh := make(chan struct{}, 1)

	resetDebounce := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(w.cfg.DebounceDuration, func() {
			select {
			case debounceCh <- struct{}{}:
			default:
			}
		})
	}

	resetQuiet := func() {
		if quietTimer != nil {
			quietTimer.Stop()
		}
		if w.cfg.QuietPeriod > 0 {
			quietTimer = time.AfterFunc(w.cfg.QuietPeriod, func() {
				select {
				case quietCh <- struct{}{}:
				default:
				}
			})
		}
	}

	pendingSync := false

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			if quietTimer != nil {
				quietTimer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if w.cfg.QuietPeriod > 0 {
				// Smart timing: the trigger fires only once the quiet
				// period passes with no further events.
				pendingSync = true
				resetQuiet()
			} else {
				resetDebounce()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			utils.Warnf("watcher: %v", err)

		case <-debounceCh:
			utils.Debugf("watcher: change detected, triggering sync")
			if w.cfg.OnSync != nil {
				w.cfg.OnSync()
			}

		case <-quietCh:
			if pendingSync && w.cfg.OnSync != nil {
				utils.Debugf("watcher: quiet period elapsed, triggering sync")
				w.cfg.OnSync()
				pendingSync = false
			}
		}
	}
}
