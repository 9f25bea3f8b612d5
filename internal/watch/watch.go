// Package watch records a snapshot each time a board file is saved.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"flowlens/internal/logging"
)

// DefaultDebounce collapses the burst of events editors emit per save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher calls OnChange with the board text after each settled change to
// Path.
type Watcher struct {
	Path     string
	Debounce time.Duration
	OnChange func(ctx context.Context, text string) error
	Log      *zap.SugaredLogger
}

// Run watches until ctx is done. The parent directory is watched so that
// editors replacing the file are still seen. OnChange errors are logged and
// watching continues.
func (w Watcher) Run(ctx context.Context) error {
	if w.OnChange == nil {
		return errors.New("watch: OnChange required")
	}
	log := logging.OrNop(w.Log).Named("watch")
	abs, err := filepath.Abs(w.Path)
	if err != nil {
		return err
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	log.Infow("watching board", "path", abs)

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			timer.Reset(debounce)

		case <-timer.C:
			data, err := os.ReadFile(abs)
			if err != nil {
				log.Warnw("read board failed", "path", abs, "error", err)
				continue
			}
			if err := w.OnChange(ctx, string(data)); err != nil {
				log.Warnw("record board failed", "path", abs, "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnw("watcher error", "error", err)
		}
	}
}
