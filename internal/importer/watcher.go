package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Handler imports one settled file.
type Handler func(ctx context.Context, path string) error

// Watcher imports keyword files dropped into a directory.
type Watcher struct {
	dir        string
	extensions []string
	debounce   time.Duration
	handle     Handler
	logger     *zap.Logger
}

// NewWatcher creates a watcher over dir. Files are handed to handle once no
// write has touched them for the debounce interval.
func NewWatcher(dir string, handle Handler, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:        dir,
		extensions: []string{".csv", ".tsv"},
		debounce:   500 * time.Millisecond,
		handle:     handle,
		logger:     logger,
	}
}

// SetDebounce changes the quiet interval before a file is imported.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run watches until ctx ends. Handler errors are logged, not returned.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating watch dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Info("watching for keyword files", zap.String("dir", w.dir))

	ready := make(chan string)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.isWatchedExtension(event.Name) || !event.Has(fsnotify.Create|fsnotify.Write) {
				continue
			}
			path := event.Name
			if t, ok := timers[path]; ok {
				t.Reset(w.debounce)
				continue
			}
			timers[path] = time.AfterFunc(w.debounce, func() {
				select {
				case ready <- path:
				case <-ctx.Done():
				}
			})

		case path := <-ready:
			delete(timers, path)
			if err := w.handle(ctx, path); err != nil {
				w.logger.Warn("import failed", zap.String("file", filepath.Base(path)), zap.Error(err))
				continue
			}
			w.logger.Info("imported keyword file", zap.String("file", filepath.Base(path)))

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) isWatchedExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range w.extensions {
		if ext == e {
			return true
		}
	}
	return false
}
