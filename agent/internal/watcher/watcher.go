package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bvscope/bvscope/agent/internal/config"
)

// Handler processes one settled export file.
type Handler func(ctx context.Context, path string)

// Watcher debounces filesystem events in one directory.
type Watcher struct {
	dir     string
	pattern string
	settle  time.Duration
	handle  Handler
}

// New returns a Watcher for cfg.Dir.
func New(cfg config.WatchConfig, handle Handler) *Watcher {
	pattern := cfg.Pattern
	if pattern == "" {
		pattern = config.DefaultPattern
	}
	return &Watcher{dir: cfg.Dir, pattern: pattern, settle: cfg.Settle, handle: handle}
}

// Run watches the directory until ctx is cancelled. Handlers run on the Run
// goroutine, one file at a time.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watcher: add %q: %w", w.dir, err)
	}
	slog.Info("watcher: watching for exports", "dir", w.dir, "pattern", w.pattern)

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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !w.matches(event.Name) {
				continue
			}
			if t, ok := timers[event.Name]; ok {
				t.Reset(w.settle)
				continue
			}
			path := event.Name
			timers[path] = time.AfterFunc(w.settle, func() {
				select {
				case ready <- path:
				case <-ctx.Done():
				}
			})

		case path := <-ready:
			if _, ok := timers[path]; !ok {
				continue
			}
			delete(timers, path)
			slog.Info("watcher: export settled", "path", path)
			w.handle(ctx, path)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Error("watcher: fsnotify error", "err", err)
		}
	}
}

func (w *Watcher) matches(path string) bool {
	ok, err := filepath.Match(w.pattern, filepath.Base(path))
	return err == nil && ok
}
