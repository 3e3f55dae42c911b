package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow bounds how often a file-save burst can trigger a reload.
// A single editor save commonly emits several Write/Create events in quick
// succession (truncate-then-write, or a rename sequence for an atomic
// save); each reload also drives a full supervisor reconcile, so debouncing
// keeps a burst of N events from dialing/cancelling the same workers N
// times in a row.
const debounceWindow = 250 * time.Millisecond

// Watch monitors path for changes and calls onChange with the newly
// loaded Config once a burst of writes goes quiet for debounceWindow. It
// runs until ctx is cancelled.
//
// If a reload fails validation, the error is logged and onChange is not
// called — the previous config remains authoritative.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	slog.Info("config: watching for changes", "path", path, "debounce", debounceWindow)

	timer := time.NewTimer(debounceWindow)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	armed := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors frequently save via rename, which looks like Create
			// on the new inode rather than Write on the old one.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(debounceWindow)
			armed = true

		case <-timer.C:
			armed = false

			cfg, err := Load(path)
			if err != nil {
				slog.Error("config: reload rejected, keeping previous config", "path", path, "err", err)
				continue
			}

			slog.Info("config: reloaded", "path", path)
			onChange(cfg)

			_ = watcher.Add(path) // re-add in case an atomic save replaced the inode

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}
