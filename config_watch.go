package modhost

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 250 * time.Millisecond

// ConfigWatcher watches a FileConfig's backing file and reloads it when the
// file changes on disk. Deploy tools and editors usually replace config
// files by rename, so the watcher watches the parent directory and filters
// events down to the one file. Changes are debounced because a single save
// produces a burst of filesystem events. A reload that fails keeps the
// previous snapshot.
type ConfigWatcher struct {
	cfg      *FileConfig
	logger   Logger
	events   *EventBus
	debounce time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu       sync.Mutex
	onReload []func()
	closed   bool
}

// ConfigWatcherOption adjusts watcher behavior.
type ConfigWatcherOption func(*ConfigWatcher)

// WithReloadDebounce sets the quiet period after the last filesystem event
// before the reload runs.
func WithReloadDebounce(d time.Duration) ConfigWatcherOption {
	return func(w *ConfigWatcher) { w.debounce = d }
}

// WithReloadEvents emits a config.reloaded event on the bus after each
// successful reload.
func WithReloadEvents(bus *EventBus) ConfigWatcherOption {
	return func(w *ConfigWatcher) { w.events = bus }
}

// NewConfigWatcher starts watching cfg's file. Close releases the watch.
func NewConfigWatcher(cfg *FileConfig, logger Logger, opts ...ConfigWatcherOption) (*ConfigWatcher, error) {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	w := &ConfigWatcher{
		cfg:      cfg,
		logger:   logger,
		debounce: defaultReloadDebounce,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(cfg.Path())); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w.watcher = fsw

	go w.run()
	return w, nil
}

// OnReload registers a callback invoked after each successful reload.
func (w *ConfigWatcher) OnReload(fn func()) {
	w.mu.Lock()
	w.onReload = append(w.onReload, fn)
	w.mu.Unlock()
}

// Close stops watching. It is idempotent.
func (w *ConfigWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	return w.watcher.Close()
}

func (w *ConfigWatcher) run() {
	target := filepath.Clean(w.cfg.Path())

	var pending *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op.Has(fsnotify.Chmod) && ev.Op&^fsnotify.Chmod == 0 {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(w.debounce)
				fire = pending.C
			} else {
				if !pending.Stop() {
					select {
					case <-pending.C:
					default:
					}
				}
				pending.Reset(w.debounce)
			}
		case <-fire:
			pending = nil
			fire = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "path", w.cfg.Path(), "error", err)
		case <-w.done:
			if pending != nil {
				pending.Stop()
			}
			return
		}
	}
}

func (w *ConfigWatcher) reload() {
	if err := w.cfg.Reload(); err != nil {
		w.logger.Error("config reload failed, keeping previous snapshot",
			"path", w.cfg.Path(), "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.cfg.Path())

	w.mu.Lock()
	callbacks := append([]func(){}, w.onReload...)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}

	if w.events != nil {
		w.events.Emit(context.Background(), EventTypeConfigReloaded,
			map[string]any{"path": w.cfg.Path()}, nil)
	}
}
