package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the config file on change and swaps the contents of the
// live *Config in place. Editors often replace files via rename, so the
// parent directory is watched rather than the file itself.
type Watcher struct {
	path     string
	cfg      *Config
	onReload func(*Config)

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	mu      sync.Mutex
	timer   *time.Timer
}

// NewWatcher creates a watcher for the config file at path. onReload is
// called after a successful reload; it may be nil.
func NewWatcher(path string, cfg *Config, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		cfg:      cfg,
		onReload: onReload,
		watcher:  fw,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Returns an error if the config directory cannot be
// watched.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.run()
	return nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}

// scheduleReload debounces bursts of write events into one reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	fresh, err := Load(w.path)
	if err != nil {
		slog.Error("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}
	oldHash := w.cfg.Hash()
	w.cfg.ReplaceFrom(fresh)
	if w.cfg.Hash() == oldHash {
		return
	}
	slog.Info("config reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(w.cfg)
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.watcher.Close()
}
