package recordsync

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	stateWatchDebounce      = 500 * time.Millisecond
	selfWriteSuppressWindow = 2 * time.Second
)

type StateWatcherOptions struct {
	Path     string
	Store    *RecordStore
	Logger   Logger
	Debounce time.Duration
}

// StateWatcher reloads the store when the JSON state file changes on disk
// outside the process (operator edits, restores from backup). The process's
// own atomic saves are suppressed via NoteSelfWrite, wired to the store's
// OnSave hook. A reload also marks every collection unverified so the next
// incremental pass re-checks them against the remote.
type StateWatcher struct {
	path     string
	store    *RecordStore
	logger   Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu            sync.Mutex
	lastSelfWrite time.Time
	pending       *time.Timer
	closed        bool

	done chan struct{}
}

func NewStateWatcher(opts StateWatcherOptions) (*StateWatcher, error) {
	if opts.Path == "" || opts.Store == nil {
		return nil, ErrInvalidInput
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = stateWatchDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: atomic renames replace the inode
	// and a file watch would silently go dead after the first save.
	if err := watcher.Add(filepath.Dir(opts.Path)); err != nil {
		watcher.Close()
		return nil, err
	}
	w := &StateWatcher{
		path:     opts.Path,
		store:    opts.Store,
		logger:   opts.Logger,
		debounce: debounce,
		watcher:  watcher,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// NoteSelfWrite records that the process itself just saved the state file,
// so the resulting filesystem events are not treated as external edits.
func (w *StateWatcher) NoteSelfWrite() {
	w.mu.Lock()
	w.lastSelfWrite = time.Now()
	w.mu.Unlock()
}

func (w *StateWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *StateWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logf("state watch error: %v", err)
		}
	}
}

func (w *StateWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

// scheduleReload coalesces bursts of events into one reload after the
// debounce interval.
func (w *StateWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if time.Since(w.lastSelfWrite) < selfWriteSuppressWindow {
		return
	}
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.reload)
}

func (w *StateWatcher) reload() {
	w.mu.Lock()
	if w.closed || time.Since(w.lastSelfWrite) < selfWriteSuppressWindow {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.logf("state file changed externally, reloading")
	if err := w.store.ReloadFromBackend(); err != nil {
		w.logf("reload after external change failed: %v", err)
		return
	}
	w.store.MarkUnverified()
}

func (w *StateWatcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
