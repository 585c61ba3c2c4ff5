package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zeusync/worldcore/internal/core/observability/log"
)

// debounce coalesces the burst of events an editor save produces.
const debounce = 100 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes every valid
// configuration to fn. Invalid files are logged and skipped. The directory
// is watched so that rename-on-save editors keep working. Watch blocks until
// ctx ends.
func Watch(ctx context.Context, path string, logger log.Log, fn func(*Config)) error {
	if logger == nil {
		logger = log.Provide()
	}
	logger = logger.With(log.Component("config"), log.String("path", path))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", log.Error(err))

		case <-timer.C:
			cfg, err := Load(abs)
			if err != nil {
				logger.Error("config reload rejected", log.Error(err))
				continue
			}
			logger.Info("config reloaded")
			fn(cfg)
		}
	}
}
