package credstore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// ignoreWindow after our own Save during which file events are dropped
	ignoreWindow = 500 * time.Millisecond

	// debounceDelay collapses bursts of write events into one reload
	debounceDelay = 200 * time.Millisecond
)

// Watcher notifies when the snapshot file changes on disk outside this
// process (e.g. a volume-synced copy from the operator backend).
type Watcher struct {
	store    *Store
	fsw      *fsnotify.Watcher
	reloadCh chan struct{}
}

// NewWatcher watches the store's parent directory (atomic renames replace
// the file, so watching the file itself would miss updates).
func NewWatcher(store *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(store.Path())
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch directory %s: %w", dir, err)
	}
	return &Watcher{
		store:    store,
		fsw:      fsw,
		reloadCh: make(chan struct{}, 1),
	}, nil
}

// Reload yields once per external snapshot change.
func (w *Watcher) Reload() <-chan struct{} {
	return w.reloadCh
}

// Run processes file events until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != filepath.Base(w.store.Path()) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if w.store.savedRecently(ignoreWindow) {
				continue
			}
			if pending {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
			}
			debounce.Reset(debounceDelay)
			pending = true
		case <-debounce.C:
			pending = false
			select {
			case w.reloadCh <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch snapshot: %w", err)
		}
	}
}
