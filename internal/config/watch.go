package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events an editor or config management
// tool produces for one save.
const reloadDelay = 200 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes each
// configuration that loads and validates to apply. Invalid files are logged
// and skipped. Watch blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file so that atomic
// replacement by rename is seen.
func Watch(ctx context.Context, path string, apply func(*Config)) error {
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config watcher error", "error", err)
		case <-timer.C:
			cfg, err := Load(path)
			if err != nil {
				slog.Warn("config reload failed, keeping current configuration", "file", path, "error", err)
				continue
			}
			slog.Info("configuration reloaded", "file", path)
			apply(cfg)
		case <-ctx.Done():
			return nil
		}
	}
}
