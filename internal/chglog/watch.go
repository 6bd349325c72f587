package chglog

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher turns inotify events into change records for filesystems that
// have no native change log. Directories are watched recursively;
// acknowledgments are no-ops since the kernel does not replay events.
type Watcher struct {
	fw     *fsnotify.Watcher
	root   string
	nextMu sync.Mutex
	index  uint64
}

// NewWatcher watches root and every directory below it.
func NewWatcher(root string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{fw: fw, root: root}

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}
	return w, nil
}

func (w *Watcher) Next(ctx context.Context) (Record, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return Record{}, false, ctx.Err()
		case ev, ok := <-w.fw.Events:
			if !ok {
				return Record{}, false, nil
			}
			rec, ok := w.translate(ev)
			if !ok {
				continue
			}
			return rec, true, nil
		case err, ok := <-w.fw.Errors:
			if !ok {
				return Record{}, false, nil
			}
			log.Printf("[chglog] watcher error: %v", err)
		}
	}
}

func (w *Watcher) translate(ev fsnotify.Event) (Record, bool) {
	var typ EventType
	switch {
	case ev.Has(fsnotify.Create):
		typ = EventCreate
		// New directories must be watched too.
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if err := w.fw.Add(ev.Name); err != nil {
				log.Printf("[chglog] cannot watch new directory %s: %v", ev.Name, err)
			}
		}
	case ev.Has(fsnotify.Write):
		typ = EventClose
	case ev.Has(fsnotify.Chmod):
		typ = EventSetAttr
	case ev.Has(fsnotify.Remove):
		typ = EventUnlink
	case ev.Has(fsnotify.Rename):
		typ = EventRename
	default:
		return Record{}, false
	}

	w.nextMu.Lock()
	w.index++
	idx := w.index
	w.nextMu.Unlock()

	return Record{
		Index: idx,
		Type:  typ,
		Path:  ev.Name,
		Time:  time.Now(),
	}, true
}

// Ack is a no-op: inotify does not persist events across restarts, so
// there is nothing to clear.
func (w *Watcher) Ack(index uint64) error { return nil }

func (w *Watcher) Close() error { return w.fw.Close() }
