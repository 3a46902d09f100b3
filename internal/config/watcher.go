package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// ReloadFunc receives the configuration after the watched file changed.
type ReloadFunc func(Config)

// Watcher reloads the config file when it changes on disk and hands the new
// configuration to registered callbacks. Rapid successive writes collapse
// into one reload.
type Watcher struct {
	file     string
	logger   *slog.Logger
	debounce time.Duration

	mu        sync.Mutex
	callbacks []ReloadFunc
	timer     *time.Timer
}

// NewWatcher creates a watcher for file.
func NewWatcher(file string, logger *slog.Logger) *Watcher {
	return &Watcher{
		file:     filepath.Clean(file),
		logger:   logger,
		debounce: defaultDebounce,
	}
}

// OnReload registers fn to be called after every successful reload.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Run watches until ctx is done. The directory is watched rather than the
// file so that editors replacing the file by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fsnotify watcher")
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.file)); err != nil {
		return errors.Wrapf(err, "watch config file %s", w.file)
	}

	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.file {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.logger.Debug("config file changed", "file", ev.Name, "op", ev.Op.String())
			w.schedule()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
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
	cfg, err := Load(w.file)
	if err != nil {
		// Keep the previous configuration until the file is fixed.
		w.logger.Error("config reload failed", "file", w.file, "error", err)
		return
	}

	w.mu.Lock()
	callbacks := make([]ReloadFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("config reloaded", "file", w.file)
	for _, fn := range callbacks {
		fn(cfg)
	}
}
