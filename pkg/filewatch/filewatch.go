// Package filewatch reloads a file whenever it changes on disk.
package filewatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors path and calls load each time the file is written. A
// successful result is passed to onChange; a load error is logged and the
// previous value stays in effect. Watch runs until ctx is cancelled.
//
// name prefixes log lines and errors.
func Watch[T any](ctx context.Context, name, path string, load func(string) (T, error), onChange func(T)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%s: new watcher: %w", name, err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("%s: watch %s: %w", name, path, err)
	}

	slog.Info(name+": watching for changes", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Atomic saves arrive as Create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			v, err := load(path)
			if err != nil {
				slog.Error(name+": reload rejected", "path", path, "err", err)
				continue
			}
			onChange(v)

			// Re-add after rename-based saves replace the inode.
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error(name+": watcher error", "err", err)
		}
	}
}
