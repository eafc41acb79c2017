package hypermangle

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of filesystem events, such as an editor
// writing a temp file and renaming it over the original.
const DefaultDebounce = time.Second

// FileWatcher calls OnChange when a file is written, created or replaced.
// It watches the parent directory so that atomic renames are observed.
type FileWatcher struct {
	Path     string
	Debounce time.Duration
	OnChange func(ctx context.Context) error
	Logger   *slog.Logger
}

// NewFileWatcher creates a watcher for path.
func NewFileWatcher(path string, onChange func(ctx context.Context) error) *FileWatcher {
	return &FileWatcher{
		Path:     path,
		Debounce: DefaultDebounce,
		OnChange: onChange,
		Logger:   slog.Default(),
	}
}

// Run blocks until ctx is cancelled. Errors from OnChange are logged and
// do not stop the watcher.
func (fw *FileWatcher) Run(ctx context.Context) error {
	abs, err := filepath.Abs(fw.Path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", fw.Path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	fw.Logger.Info("watching rule file", "path", abs)

	debounce := fw.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			fw.Logger.Debug("rule file event", "op", ev.Op.String())
			timer.Reset(debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			fw.Logger.Warn("watcher error", "error", err)

		case <-timer.C:
			if err := fw.OnChange(ctx); err != nil {
				fw.Logger.Error("reload after file change failed", "path", abs, "error", err)
			}
		}
	}
}
