package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SettingsWatcher watches a user settings file and pushes reloaded
// settings into the Resolver so running missions pick them up.
type SettingsWatcher struct {
	path     string
	userID   string
	resolver *Resolver
	logger   *slog.Logger
}

// NewSettingsWatcher builds a watcher for the given user settings file.
func NewSettingsWatcher(path, userID string, resolver *Resolver, logger *slog.Logger) (*SettingsWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve settings path: %w", err)
	}
	return &SettingsWatcher{
		path:     absPath,
		userID:   userID,
		resolver: resolver,
		logger:   logger,
	}, nil
}

// Run performs an initial load and then blocks until ctx is done, reloading
// the file on every write. Rapid writes are debounced.
func (w *SettingsWatcher) Run(ctx context.Context) error {
	if err := w.reload(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are caught.
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	w.logger.Info("Watching user settings", "path", w.path, "user_id", w.userID)

	var debounce *time.Timer
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != file {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := w.reload(); err != nil {
					w.logger.Error("Failed to reload user settings", "path", w.path, "error", err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Settings watcher error", "error", err)
		}
	}
}

func (w *SettingsWatcher) reload() error {
	settings, err := LoadUserSettings(w.path)
	if err != nil {
		return err
	}
	w.resolver.SetUserSettings(w.userID, settings)
	w.logger.Debug("User settings loaded", "path", w.path, "user_id", w.userID)
	return nil
}
