package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/Swind/go-runqueue/core"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// ChangeFunc receives a reloaded configuration. It runs as a task on the
// watcher's target runner, so it may touch state owned by that runner.
type ChangeFunc func(ctx context.Context, oldConfig, newConfig *Config)

// Watcher reloads a configuration file when it changes and delivers the new
// configuration to a runner.
type Watcher struct {
	path     string
	loader   *Loader
	target   core.TaskRunner
	logger   core.Logger
	debounce time.Duration

	configMu sync.RWMutex
	config   *Config

	callbacksMu sync.RWMutex
	callbacks   []ChangeFunc

	fsWatcher *fsnotify.Watcher
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(l core.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher loads path once and prepares to watch it. Reload callbacks are
// enqueued on target.
func NewWatcher(path string, loader *Loader, target core.TaskRunner, opts ...WatcherOption) (*Watcher, error) {
	if _, err := FormatOf(path); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	cfg, err := loader.Load(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file system watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:      abs,
		loader:    loader,
		target:    target,
		logger:    core.NewNoOpLogger(),
		debounce:  defaultDebounce,
		config:    cfg,
		fsWatcher: fsWatcher,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. The parent directory is watched so that editors
// which replace the file by rename are followed.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.wg.Add(1)
	go w.watchLoop()
	return nil
}

// Stop stops watching the configuration file
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

// Config returns the current configuration
func (w *Watcher) Config() *Config {
	w.configMu.RLock()
	defer w.configMu.RUnlock()
	return w.config
}

// OnChange registers a callback for configuration changes
func (w *Watcher) OnChange(fn ChangeFunc) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Reload re-reads the file immediately. It returns ErrWatcherStopped once
// Stop has been called.
func (w *Watcher) Reload() error {
	return w.reload()
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	// Editors often emit several events per save
	var debounce *time.Timer
	// A pending reload holds a wg slot until it runs or is cancelled, so
	// Stop waits for it.
	cancelPending := func() {
		if debounce != nil && debounce.Stop() {
			w.wg.Done()
		}
	}
	defer cancelPending()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cancelPending()
			w.wg.Add(1)
			debounce = time.AfterFunc(w.debounce, func() {
				defer w.wg.Done()
				if err := w.reload(); err != nil && !errors.Is(err, ErrWatcherStopped) {
					w.logger.Warn("config reload failed", core.F("path", w.path), core.F("error", err))
				}
			})

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", core.F("error", err))
		}
	}
}

func (w *Watcher) reload() error {
	if w.ctx.Err() != nil {
		return ErrWatcherStopped
	}
	newConfig, err := w.loader.Load(w.path)
	if err != nil {
		return err
	}

	w.configMu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.configMu.Unlock()

	w.callbacksMu.RLock()
	callbacks := append([]ChangeFunc(nil), w.callbacks...)
	w.callbacksMu.RUnlock()

	for _, fn := range callbacks {
		if err := w.target.Enqueue(func(ctx context.Context) { fn(ctx, oldConfig, newConfig) }); err != nil {
			w.logger.Warn("config change not delivered", core.F("error", err))
		}
	}
	w.logger.Info("configuration reloaded", core.F("path", w.path))
	return nil
}
