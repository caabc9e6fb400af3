package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce batches the burst of events an editor save produces.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the config at path whenever it changes and hands every
// valid result to apply. Invalid files are logged and skipped. The parent
// directory is watched so atomic rename-on-save is seen. Watch blocks until
// ctx is done.
func Watch(ctx context.Context, path string, log *zap.Logger, apply func(*Config)) error {
	if log == nil {
		log = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config watch: %w", err)
	}

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", zap.Error(err))

		case <-timer.C:
			cfg, err := Load(abs)
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				log.Warn("config reload rejected", zap.String("path", abs), zap.Error(err))
				continue
			}
			log.Info("config reloaded", zap.String("path", abs))
			apply(cfg)
		}
	}
}
