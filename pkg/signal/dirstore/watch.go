package dirstore

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"relay-call/pkg/log"
	"relay-call/pkg/signal"

	"github.com/fsnotify/fsnotify"
)

// Subscribe watches the collection directory, the record directory and, for
// candidate targets, the sub-collection directory. Every event triggers a
// rescan that is diffed against what the subscriber has already been sent.
func (s *Store) Subscribe(ctx context.Context, target signal.Target) (signal.Subscription, error) {
	if err := signal.Validate(target.RecordID, target.Subcollection); err != nil {
		return nil, err
	}
	if err := s.check(ctx, "subscribe"); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, signal.Transport("subscribe", err)
	}

	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()

		return nil, signal.Transport("subscribe", err)
	}

	w := &watch{
		store:   s,
		target:  target,
		watcher: watcher,
		stop:    make(chan struct{}),
		seen:    make(map[string]signal.Candidate),
	}
	w.addDirs()

	w.feed = signal.NewFeed(func() { close(w.stop) })

	if err := w.scan(true); err != nil {
		w.feed.Cancel()
		watcher.Close()

		return nil, signal.Transport("subscribe", err)
	}

	go w.run()

	return w.feed, nil
}

type watch struct {
	store   *Store
	target  signal.Target
	watcher *fsnotify.Watcher
	feed    *signal.Feed
	stop    chan struct{}

	// Record targets: last snapshot sent, nil once absent.
	last []byte
	// Candidate targets: items already reported as added.
	seen map[string]signal.Candidate
}

func (w *watch) dirs() []string {
	dirs := []string{w.store.recordDir(w.target.RecordID)}
	if !w.target.IsRecord() {
		dirs = append(dirs, w.store.subDir(w.target.RecordID, w.target.Subcollection))
	}

	return dirs
}

// addDirs (re)adds watches for directories that may have been created since
// the last attempt. Missing directories are expected.
func (w *watch) addDirs() {
	for _, dir := range w.dirs() {
		_ = w.watcher.Add(dir)
	}
}

func (w *watch) relevant(name string) bool {
	for _, dir := range w.dirs() {
		if name == dir || filepath.Dir(name) == dir {
			return true
		}
	}

	return false
}

func (w *watch) run() {
	defer w.watcher.Close()

	ticker := time.NewTicker(w.store.rescan)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-w.store.done:
			w.feed.Cancel()

			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				w.addDirs()
			}
			if !w.relevant(event.Name) {
				continue
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("dirstore: watch %s: %v", w.target, err)

			continue
		case <-ticker.C:
			w.addDirs()
		}

		if err := w.scan(false); err != nil {
			log.Warnf("dirstore: rescan %s: %v", w.target, err)
		}
	}
}

// scan pushes the difference between disk and what was last sent. The
// initial scan always pushes, even when empty.
func (w *watch) scan(initial bool) error {
	if w.target.IsRecord() {
		return w.scanRecord(initial)
	}

	return w.scanCandidates(initial)
}

func (w *watch) scanRecord(initial bool) error {
	rec, ok, err := w.store.read(w.target.RecordID)
	if err != nil {
		return err
	}

	var current []byte
	if ok {
		if current, err = json.Marshal(rec); err != nil {
			return err
		}
	}

	if !initial && bytes.Equal(current, w.last) && (current == nil) == (w.last == nil) {
		return nil
	}
	w.last = current

	ev := signal.ChangeEvent{}
	if ok {
		ev.Record = &rec
	}
	w.feed.Push(ev)

	return nil
}

func (w *watch) scanCandidates(initial bool) error {
	entries, err := w.store.list(w.target.RecordID, w.target.Subcollection)
	if err != nil {
		return err
	}

	var changes []signal.DocumentChange

	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.id] = true
		if _, ok := w.seen[e.id]; ok {
			continue
		}
		w.seen[e.id] = e.candidate
		changes = append(changes, signal.DocumentChange{Type: signal.ChangeAdded, ID: e.id, Candidate: e.candidate})
	}

	for id, c := range w.seen {
		if present[id] {
			continue
		}
		delete(w.seen, id)
		changes = append(changes, signal.DocumentChange{Type: signal.ChangeRemoved, ID: id, Candidate: c})
	}

	if initial || len(changes) > 0 {
		w.feed.Push(signal.ChangeEvent{Changes: changes})
	}

	return nil
}
