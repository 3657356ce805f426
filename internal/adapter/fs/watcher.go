package fs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"photosearch/internal/logging"
)

// Watcher reports changes to a library tree, coalescing bursts of events
// into one notification per debounce window.
type Watcher struct {
	root     string
	walker   *Walker
	debounce time.Duration
	log      *zap.Logger
}

func (l *Library) NewWatcher(debounce time.Duration, log *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		root:     l.root,
		walker:   l.walker,
		debounce: debounce,
		log:      logging.OrNop(log),
	}
}

// Run blocks until ctx is done, calling onChange after each quiet period
// that follows a relevant change.
func (w *Watcher) Run(ctx context.Context, onChange func(context.Context)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer watcher.Close()

	if err := w.addWatchDirs(watcher, w.root); err != nil {
		return errors.Wrap(err, "add watch dirs")
	}
	w.log.Info("watching library", zap.String("root", w.root), zap.Duration("debounce", w.debounce))

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addWatchDirs(watcher, event.Name); err != nil {
						w.log.Warn("watch new directory", zap.String("path", event.Name), zap.Error(err))
					}
				}
			}
			if w.shouldIgnoreEvent(event) {
				continue
			}
			if !pending {
				timer.Reset(w.debounce)
				pending = true
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
		case <-timer.C:
			pending = false
			onChange(ctx)
		}
	}
}

func (w *Watcher) addWatchDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if rel, err := filepath.Rel(w.root, path); err == nil && rel != "." {
			if w.walker.shouldExclude(filepath.ToSlash(rel) + "/") {
				return filepath.SkipDir
			}
		}
		return watcher.Add(path)
	})
}

func (w *Watcher) shouldIgnoreEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return true
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	rel = filepath.ToSlash(rel)
	if w.walker.shouldExclude(rel) || w.walker.shouldExclude(rel+"/") {
		return true
	}

	// sidecars carry dates and locations
	if strings.HasSuffix(rel, ".json") {
		return false
	}
	return !w.walker.shouldInclude(rel)
}
