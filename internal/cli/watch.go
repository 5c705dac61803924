package cli

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/markdave123-py/Lexa/internal/core/ingestion_engine"
)

const DefaultDebounce = 500 * time.Millisecond

// Watch re-ingests supported files under root whenever they are written and
// deletes their documents when they are removed. Events for the same file are
// coalesced over debounce. It returns when ctx is done.
func (r *Runner) Watch(ctx context.Context, root string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := addTree(w, root); err != nil {
		return err
	}
	log := r.logger().With("root", root)
	log.Info("watching for changes")

	ready := make(chan string)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	schedule := func(p string) {
		if t, ok := timers[p]; ok {
			t.Reset(debounce)
			return
		}
		timers[p] = time.AfterFunc(debounce, func() {
			select {
			case ready <- p:
			case <-ctx.Done():
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", "err", err)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			r.handleEvent(ctx, w, root, ev, schedule)

		case p := <-ready:
			delete(timers, p)
			it, ok := itemFor(root, p)
			if !ok {
				continue
			}
			if _, err := os.Stat(p); err != nil {
				continue
			}
			res, err := r.IngestFile(ctx, it)
			if err != nil {
				log.Warn("ingestion failed", "doc_id", it.ID, "err", err)
				continue
			}
			log.Info("ingested", "doc_id", it.ID, "chunks", res.ChunkCount)
		}
	}
}

func (r *Runner) handleEvent(ctx context.Context, w *fsnotify.Watcher, root string, ev fsnotify.Event, schedule func(string)) {
	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := addTree(w, ev.Name); err != nil {
				r.logger().Warn("watch new directory", "path", ev.Name, "err", err)
			}
			return
		}
		if _, ok := itemFor(root, ev.Name); ok {
			schedule(ev.Name)
		}

	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		it, ok := itemFor(root, ev.Name)
		if !ok {
			return
		}
		if err := r.Remove(ctx, it.ID); err != nil {
			r.logger().Warn("remove document", "doc_id", it.ID, "err", err)
			return
		}
		r.logger().Info("document removed", "doc_id", it.ID)
	}
}

func itemFor(root, p string) (Item, bool) {
	base := filepath.Base(p)
	if strings.HasPrefix(base, ".") || !ingestion_engine.SupportedExtension(base) {
		return Item{}, false
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return Item{}, false
	}
	return Item{ID: DocumentID(rel), SourceName: base, Path: p}, true
}

// addTree watches dir and every directory below it.
func addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}
