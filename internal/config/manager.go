package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager holds the current config snapshot and hot-reloads it when the
// file changes. In-flight requests keep the snapshot they started with.
type Manager struct {
	path string
	cur  atomic.Pointer[Config]
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cur.Store(cfg)
	return m, nil
}

// Current returns the active snapshot. Never nil.
func (m *Manager) Current() *Config {
	return m.cur.Load()
}

// Watch blocks until ctx is canceled, reloading the config whenever the
// file is written. Editors replace files by rename, so the parent
// directory is watched rather than the file itself.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return err
	}

	var debounce *time.Timer
	reload := func() {
		cfg, err := Load(m.path)
		if err != nil {
			slog.Warn("config reload failed, keeping previous", "error", err)
			return
		}
		m.cur.Store(cfg)
		slog.Info("config reloaded", "providers", len(cfg.Providers))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Debounce bursts of events from a single save
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
