package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits after the last write before
// reporting changed files. Editors often write a file in several steps.
const DefaultDebounce = 500 * time.Millisecond

// Watch reports scenario documents created or written in dir. fn receives the
// changed paths in sorted order once the directory has been quiet for
// debounce. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, dir string, debounce time.Duration, logger *slog.Logger, fn func(ctx context.Context, paths []string)) error {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	pending := map[string]bool{}
	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if _, ok := FormatFromPath(event.Name); !ok {
				continue
			}
			pending[event.Name] = true
			timer.Reset(debounce)
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := slices.Sorted(maps.Keys(pending))
			clear(pending)
			fn(ctx, paths)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("scenario watcher error", "dir", dir, "error", err)
		}
	}
}
