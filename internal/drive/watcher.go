package drive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// watchTick is how often the debounce timer fires.
	watchTick = 500 * time.Millisecond

	// settleAfter is how long the inputs must stay quiet before a
	// change triggers a run. A full reconciliation is expensive, so
	// rapid bursts (editor saves, builds dropping many files) collapse
	// into one run.
	settleAfter = 1 * time.Second
)

// runner is the subset of Engine the watcher needs. Extracted for
// testability.
type runner interface {
	Run(ctx context.Context) error
}

// Watcher re-runs the engine whenever files under the input roots
// change. Run failures in watch mode are logged, not fatal: the next
// change gets another chance.
type Watcher struct {
	engine  runner
	roots   []string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher over the given roots.
func NewWatcher(engine *Engine, roots []string, logger *slog.Logger) *Watcher {
	return &Watcher{
		engine: engine,
		roots:  roots,
		logger: logger.With(slog.String("component", "watcher")),
	}
}

// Watch blocks until the context is cancelled. Directories are watched
// recursively; directories created while watching are added to the
// watch set.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	w.watcher = watcher

	for _, root := range w.roots {
		if err := w.addRecursive(root); err != nil {
			return fmt.Errorf("watching %s: %w", root, err)
		}
	}

	w.logger.Info("watching for changes", slog.Int("roots", len(w.roots)))

	// Debounce: collapse bursts of events into a single run once the
	// inputs have settled.
	var dirty bool
	var lastEvent time.Time

	ticker := time.NewTicker(watchTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}
			if w.shouldIgnore(event.Name) {
				continue
			}

			dirty = true
			lastEvent = time.Now()

			// If a new directory appeared, watch it recursively.
			if event.Has(fsnotify.Create) {
				info, err := os.Stat(event.Name)
				if err == nil && info.IsDir() {
					w.addRecursive(event.Name)
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				// On Linux inotify drops the watch automatically, but
				// other platforms may leak it.
				_ = watcher.Remove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if !dirty || time.Since(lastEvent) < settleAfter {
				continue
			}
			dirty = false

			w.logger.Info("changes settled, running sync")
			if err := w.engine.Run(ctx); err != nil {
				w.logger.Error("sync failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}

		// The root itself is never ignored, even when hidden; the rule
		// exists to keep .git and friends below it from causing runs.
		if path != dir && w.shouldIgnore(path) {
			return filepath.SkipDir
		}

		return w.watcher.Add(path)
	})
}

// shouldIgnore filters events that should not trigger a sync: hidden
// files and directories, and editor droppings.
func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)

	if strings.HasPrefix(base, ".") {
		return true
	}
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return true
	}

	return false
}
