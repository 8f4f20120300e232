package server

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentgrid/agentgrid/internal/config"
	"github.com/agentgrid/agentgrid/internal/controller"
)

const watchDebounce = 500 * time.Millisecond

// WatchGraph reloads the runtime when the persisted graph file changes
// on disk. Events are debounced so editors that write in several steps
// trigger a single reload. Blocks until ctx is cancelled.
func WatchGraph(ctx context.Context, path string, ctrl *controller.Controller, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "watcher")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files by rename, which
	// drops a watch held on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "error", err)

		case <-reload:
			spec, err := config.LoadGraph(path)
			if err != nil {
				logger.Error("graph file changed but failed to load", "error", err)
				continue
			}
			logger.Info("graph file changed, reloading")
			if err := ctrl.LoadGraph(ctx, spec); err != nil {
				logger.Error("reload reported failures", "error", err)
			}
		}
	}
}
