// Package watch turns filesystem activity under the storage root into a
// stream of "this file is ready to index" notifications. It has three
// stages: a watcher over the type directories, a debouncer that
// collapses write bursts per file, and a bounded dedup queue consumed
// by the ingest worker.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/agentic-research/traceview/internal/records"
)

// Event is one raw file notification attributed to a storage file type.
type Event struct {
	Path     string
	FileType records.FileType
}

// FileTypeForPath maps a path under the storage root to its file type by
// the first recognized directory component. Paths outside the known
// layout return false.
func FileTypeForPath(root, path string) (records.FileType, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	first := rel
	if i := strings.IndexByte(rel, filepath.Separator); i >= 0 {
		first = rel[:i]
	}
	for _, ft := range records.FileTypes {
		if first == string(ft) {
			return ft, true
		}
	}
	return "", false
}

// Stats is a point-in-time snapshot of watcher activity.
type Stats struct {
	EventsSeen      int64
	EventsForwarded int64
	WatchedDirs     int
}

// Watcher subscribes to the five type directories and their session or
// message subdirectories. fsnotify does not recurse, so new
// subdirectories are added to the watch set as their create events
// arrive.
type Watcher struct {
	root string
	fsw  *fsnotify.Watcher
	log  *slog.Logger

	eventsSeen      atomic.Int64
	eventsForwarded atomic.Int64
	watchedDirs     atomic.Int64
}

func NewWatcher(root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root: root,
		fsw:  fsw,
		log:  slog.With("component", "watcher"),
	}, nil
}

// Start registers the existing directory tree and forwards events to out
// until ctx is cancelled. Only create and write events on .json files
// are forwarded; directory events extend the watch set instead.
func (w *Watcher) Start(ctx context.Context, out chan<- Event) error {
	for _, ft := range records.FileTypes {
		dir := filepath.Join(w.root, string(ft))
		if err := w.addDir(dir); err != nil {
			// Type dir may not exist yet; the root watch picks it up later.
			w.log.Debug("watch skipped", "dir", dir, "error", err)
		}
		if !ft.Nested() {
			continue
		}
		subs, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, sub := range subs {
			if sub.IsDir() {
				if err := w.addDir(filepath.Join(dir, sub.Name())); err != nil {
					w.log.Debug("watch skipped", "dir", sub.Name(), "error", err)
				}
			}
		}
	}
	if err := w.addDir(w.root); err != nil {
		return err
	}

	go w.loop(ctx, out)
	return nil
}

func (w *Watcher) loop(ctx context.Context, out chan<- Event) {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev, out)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event, out chan<- Event) {
	w.eventsSeen.Add(1)
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if _, ok := FileTypeForPath(w.root, ev.Name); ok {
				if err := w.addDir(ev.Name); err != nil {
					w.log.Debug("watch add failed", "dir", ev.Name, "error", err)
				}
			}
			return
		}
	}
	if filepath.Ext(ev.Name) != ".json" {
		return
	}
	ft, ok := FileTypeForPath(w.root, ev.Name)
	if !ok {
		return
	}
	select {
	case out <- Event{Path: ev.Name, FileType: ft}:
		w.eventsForwarded.Add(1)
	case <-ctx.Done():
	}
}

func (w *Watcher) addDir(dir string) error {
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.watchedDirs.Add(1)
	return nil
}

func (w *Watcher) Stats() Stats {
	return Stats{
		EventsSeen:      w.eventsSeen.Load(),
		EventsForwarded: w.eventsForwarded.Load(),
		WatchedDirs:     int(w.watchedDirs.Load()),
	}
}
