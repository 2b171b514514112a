package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultCatalogDebounce batches the burst of events an editor save produces.
const DefaultCatalogDebounce = 500 * time.Millisecond

// CatalogWatcher reseeds a YAML catalog file into a ScriptRepo whenever the file changes.
// Only scripts with new ids are added; edits to existing ids are ignored, as with SeedCatalog.
type CatalogWatcher struct {
	path     string
	repo     ScriptRepo
	debounce time.Duration
}

// NewCatalogWatcher creates a watcher for path. A non-positive debounce uses
// DefaultCatalogDebounce.
func NewCatalogWatcher(path string, repo ScriptRepo, debounce time.Duration) *CatalogWatcher {
	if debounce <= 0 {
		debounce = DefaultCatalogDebounce
	}
	return &CatalogWatcher{path: filepath.Clean(path), repo: repo, debounce: debounce}
}

// Reload parses the catalog file and seeds it. Returns the number of scripts added.
func (w *CatalogWatcher) Reload(ctx context.Context) (int, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return 0, fmt.Errorf("open catalog %s: %w", w.path, err)
	}
	defer f.Close()
	scripts, err := LoadCatalog(f)
	if err != nil {
		return 0, fmt.Errorf("catalog %s: %w", w.path, err)
	}
	return SeedCatalog(ctx, w.repo, scripts)
}

// Run watches the catalog's directory until ctx is cancelled. The directory is watched
// rather than the file so atomic rename-on-save is seen.
func (w *CatalogWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	slog.Info("CatalogWatcher.Run: watching catalog", "path", w.path)

	pending := time.NewTimer(w.debounce)
	pending.Stop()
	defer pending.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("CatalogWatcher.Run: stopping", "path", w.path)
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path || (!event.Has(fsnotify.Write) && !event.Has(fsnotify.Create)) {
				continue
			}
			slog.Debug("CatalogWatcher.Run: catalog changed", "path", w.path, "op", event.Op.String())
			pending.Reset(w.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("CatalogWatcher.Run: watcher error", "path", w.path, "error", err)
		case <-pending.C:
			n, err := w.Reload(ctx)
			if err != nil {
				slog.Error("CatalogWatcher.Run: reload failed", "path", w.path, "error", err)
				continue
			}
			slog.Info("CatalogWatcher.Run: catalog reloaded", "path", w.path, "added", n)
		}
	}
}
