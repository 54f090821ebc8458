package registry

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ryrobes/larsql-sub001/internal/cascade"
	"github.com/ryrobes/larsql-sub001/internal/telemetry"
)

// WatchCascades re-runs cascade discovery whenever a YAML file directly in
// root changes; subdirectories of root are not watched. This lets authors iterate on cascade files without restarting the
// engine. Events are debounced: a burst of editor writes triggers one
// re-discovery. Blocks until ctx is cancelled.
func (r *Registry) WatchCascades(ctx context.Context, root string, loader func(path string) (*cascade.Definition, error), run CascadeRunner, logger telemetry.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(root); err != nil {
		return err
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isYAML(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
				pending = time.After(500 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn(ctx, "registry: cascade watch error", "error", err)
		case <-pending:
			pending = nil
			if err := r.DiscoverCascades(root, loader, run); err != nil {
				logger.Warn(ctx, "registry: cascade re-discovery failed", "error", err)
			} else {
				logger.Info(ctx, "registry: cascades reloaded", "root", root)
			}
		}
	}
}

func isYAML(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}
