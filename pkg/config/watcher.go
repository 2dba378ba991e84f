package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceInterval 合併編輯器連續寫入的等待時間
var DebounceInterval = 500 * time.Millisecond

// WatchConfig initializes a filesystem watcher for the specified files.
// It returns a channel that emits an empty struct when a change is detected
// and debounced. The watcher runs in a goroutine until the context is canceled,
// after which the channel is closed.
func WatchConfig(ctx context.Context, files ...string) <-chan struct{} {
	reloadCh := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create fsnotify watcher", "error", err)
		close(reloadCh)
		return reloadCh
	}

	// Watch the parent directories: editors that save atomically replace the
	// inode and a file-level watch would silently stop firing.
	targets := make(map[string]bool)
	for _, file := range files {
		absPath, err := filepath.Abs(file)
		if err != nil {
			slog.Warn("Could not resolve absolute path for watch file", "file", file)
			continue
		}
		targets[absPath] = true
		if err := watcher.Add(filepath.Dir(absPath)); err != nil {
			slog.Warn("Could not watch file", "file", file, "error", err)
		} else {
			slog.Debug("Watching configuration file", "file", file)
		}
	}

	go func() {
		defer watcher.Close()
		defer close(reloadCh)

		var timer *time.Timer
		fire := make(chan string, 1)

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !targets[filepath.Clean(event.Name)] {
					continue
				}
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
					if timer != nil {
						timer.Stop()
					}
					name := event.Name
					timer = time.AfterFunc(DebounceInterval, func() {
						select {
						case fire <- name:
						default:
						}
					})
				}
			case name := <-fire:
				slog.Info("Configuration change detected", "file", name)
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Watcher encountered an error", "error", err)
			}
		}
	}()

	return reloadCh
}

// WatchSystemConfig reloads system.json on every debounced change and hands
// the fresh value to apply. It blocks until ctx is done.
func WatchSystemConfig(ctx context.Context, path string, apply func(*SystemConfig)) {
	for range WatchConfig(ctx, path) {
		sys := LoadSystemConfig(path)
		slog.Info("🔄 System config reloaded", "file", path, "log_level", sys.LogLevel, "tools", sys.EnableTools)
		apply(sys)
	}
}
