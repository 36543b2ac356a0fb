package config

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/rpcgw/internal/observability"
)

const defaultDebounceDelay = 100 * time.Millisecond

// ReloadCallback receives every configuration that loaded and validated
// after a file change.
type ReloadCallback func(*RouterConfig)

// ErrorCallback is called when a reload is rejected or the file system
// watch reports an error.
type ErrorCallback func(error)

// Watcher delivers validated router configurations when the file changes.
// Bursts of events are debounced and writes that leave the file content
// unchanged are dropped. Invalid documents never reach the reload callback.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	onReload ReloadCallback
	onError  ErrorCallback
	logger   observability.Logger
	debounce time.Duration

	mu      sync.RWMutex
	current *RouterConfig
	digest  [sha256.Size]byte
	started bool
	stopped bool

	done     chan struct{}
	finished chan struct{}
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets how long the file must stay quiet before a reload.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = delay
	}
}

// WithLogger sets the logger for the watcher.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the error callback for the watcher.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.onError = callback
	}
}

// NewWatcher creates a watcher for the file at path. Nothing is read until
// Start or ForceReload.
func NewWatcher(path string, callback ReloadCallback, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     absPath,
		fs:       fsWatcher,
		onReload: callback,
		logger:   observability.NopLogger(),
		debounce: defaultDebounceDelay,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.debounce <= 0 {
		w.debounce = defaultDebounceDelay
	}

	return w, nil
}

// Start records the current file as the baseline and begins watching its
// directory, which also catches editors that save by rename. The baseline
// is not delivered to the callback.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	cfg, digest, err := w.load()
	if err != nil {
		return err
	}
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.current, w.digest = cfg, digest
	w.started = true

	w.logger.Info("watching configuration file",
		observability.String("path", w.path),
		observability.Duration("debounce", w.debounce),
	)

	go w.loop(ctx)
	return nil
}

// Stop ends the watch and waits for the event loop to exit. It is safe to
// call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.started && !w.stopped {
		w.stopped = true
		w.mu.Unlock()
		close(w.done)
		<-w.finished
	} else {
		w.mu.Unlock()
	}

	return w.fs.Close()
}

// GetLastConfig returns the last configuration that loaded and validated.
func (w *Watcher) GetLastConfig() *RouterConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// ForceReload loads and validates the file now and, when its content
// differs from the last accepted version, delivers it to the callback.
func (w *Watcher) ForceReload() error {
	cfg, digest, err := w.load()
	if err != nil {
		return err
	}

	w.mu.Lock()
	unchanged := w.current != nil && digest == w.digest
	if !unchanged {
		w.current, w.digest = cfg, digest
	}
	w.mu.Unlock()

	if unchanged {
		w.logger.Debug("configuration content unchanged", observability.String("path", w.path))
		return nil
	}

	if w.onReload != nil {
		w.onReload(cfg)
	}
	return nil
}

// load reads the file once so the digest and the parsed document always
// describe the same bytes.
func (w *Watcher) load() (*RouterConfig, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}

	cfg, err := parseConfig(data, FormatFromPath(w.path))
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, [sha256.Size]byte{}, err
	}

	return cfg, sha256.Sum256(data), nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.finished)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped", observability.String("reason", "context done"))
			return

		case <-w.done:
			w.logger.Info("config watcher stopped")
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				timer.Reset(w.debounce)
			}

		case <-timer.C:
			w.reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", observability.Error(err))
			w.reportError(err)
		}
	}
}

// relevant reports whether event may have changed the watched file.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}

	w.logger.Debug("config file event",
		observability.String("path", event.Name),
		observability.String("op", event.Op.String()),
	)
	return true
}

func (w *Watcher) reload() {
	if err := w.ForceReload(); err != nil {
		w.logger.Error("configuration reload rejected, keeping current configuration",
			observability.String("path", w.path),
			observability.Error(err),
		)
		w.reportError(err)
	}
}

func (w *Watcher) reportError(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}
