package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the bursts of write events editors and atomic
// renames produce into one reload.
const watchDebounce = 500 * time.Millisecond

// Watch reloads cfg from path whenever the file changes and invokes onApply
// after each successful reload. It blocks until ctx is done.
//
// The parent directory is watched, not the file itself: atomic saves replace
// the inode, which would silently detach a file-level watch.
func Watch(ctx context.Context, cfg *Config, path string, onApply func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)

	var pending *time.Timer
	reload := func() {
		next, err := Load(path)
		if err != nil {
			slog.Warn("config: reload failed, keeping current settings", "error", err)
			return
		}
		cfg.Apply(next)
		slog.Info("config: hot reload applied", "path", path)
		if onApply != nil {
			onApply()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(watchDebounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watcher error", "error", err)
		}
	}
}
