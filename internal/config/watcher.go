package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher watches for configuration changes.
type Watcher struct {
	onReload   func(*Config, error)
	current    *Config
	fsw        *fsnotify.Watcher
	done       chan struct{}
	path       string
	schemaPath string
	closeOnce  sync.Once
	mu         sync.RWMutex
	reloads    atomic.Uint32
}

// NewWatcher loads the config at path and starts watching it. onReload is called
// after every change, with a nil config when the new file is invalid; the
// previous snapshot stays in effect in that case.
func NewWatcher(path string, schemaPath string, onReload func(*Config, error)) (*Watcher, error) {
	cfg, err := LoadAndValidate(path, schemaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Editors often replace the file instead of writing it in place, so the
	// directory is watched and events are filtered by name.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	watcher := &Watcher{
		path:       filepath.Clean(path),
		schemaPath: schemaPath,
		onReload:   onReload,
		current:    cfg,
		fsw:        fsw,
		done:       make(chan struct{}),
	}

	go watcher.watch()

	return watcher, nil
}

// watch watches for configuration changes.
func (cw *Watcher) watch() {
	var timer *time.Timer

	for {
		select {
		case <-cw.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-cw.fsw.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != cw.path {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if timer != nil {
					timer.Stop()
				}

				timer = time.AfterFunc(reloadDebounce, cw.reload)
			}

		case err, ok := <-cw.fsw.Errors:
			if !ok {
				return
			}

			slog.Error("Watcher error", "error", err)
		}
	}
}

// reload reloads the config file.
func (cw *Watcher) reload() {
	select {
	case <-cw.done:
		return
	default:
	}

	count := cw.reloads.Add(1)
	slog.Info("Reloading config file", "path", cw.path, "count", count)

	cfg, err := LoadAndValidate(cw.path, cw.schemaPath)
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		cw.onReload(nil, err)
		return
	}

	cw.mu.Lock()
	cw.current = cfg
	cw.mu.Unlock()

	slog.Info("Config reloaded successfully", "count", count)
	cw.onReload(cfg, nil)
}

// Snapshot returns the current config snapshot (thread-safe).
func (cw *Watcher) Snapshot() *Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()

	return cw.current
}

// ReloadCount returns the number of times the config has been reloaded.
func (cw *Watcher) ReloadCount() uint32 {
	return cw.reloads.Load()
}

// Close stops watching.
func (cw *Watcher) Close() error {
	var err error
	cw.closeOnce.Do(func() {
		close(cw.done)
		err = cw.fsw.Close()
	})

	return err
}
