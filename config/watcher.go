package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hupe1980/packbot/logging"
)

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Debounce time.Duration
	Logger   logging.Logger
}

// Watcher reloads a config file on change. The parent directory is watched
// so that editors replacing the file atomically are noticed.
type Watcher struct {
	path     string
	onChange func(*Config)
	debounce time.Duration
	logger   logging.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	timer   *time.Timer
}

// NewWatcher creates a watcher for path. onChange receives every
// successfully reloaded config.
func NewWatcher(path string, onChange func(*Config), optFns ...func(o *WatcherOptions)) *Watcher {
	opts := WatcherOptions{
		Debounce: 250 * time.Millisecond,
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Watcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		debounce: opts.Debounce,
		logger:   logging.With(opts.Logger, "component", "config.watcher", "path", path),
	}
}

// Start begins watching until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.watcher = fw
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(watchCtx, fw)

	w.logger.Info("config.watch.started")

	return nil
}

// Close stops watching and waits for the loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	fw, cancel := w.watcher, w.cancel
	w.watcher, w.cancel = nil, nil
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if fw == nil {
		return nil
	}

	cancel()
	err := fw.Close()
	w.wg.Wait()

	return err
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config.watch.error", "error", err.Error())
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config.reload.rejected", "error", err.Error())
		return
	}

	w.logger.Info("config.reloaded")

	if w.onChange != nil {
		w.onChange(cfg)
	}
}
