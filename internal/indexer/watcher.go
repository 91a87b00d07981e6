package indexer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"oakci/internal/logging"
)

// FileEvent is a settled filesystem change delivered after debouncing.
type FileEvent struct {
	RelPath string
	Removed bool
}

// Watcher keeps the index current by watching the project tree. Rapid saves
// to the same file collapse into one event through the debounce map; a
// ticker drains entries once they have been quiet long enough.
type Watcher struct {
	root    string
	scanner *Scanner
	watcher *fsnotify.Watcher
	handler func(FileEvent)

	mu          sync.Mutex
	debounceMap map[string]fileState
	debounceDur time.Duration
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
}

type fileState struct {
	lastSeen time.Time
	removed  bool
}

// NewWatcher creates a watcher over the project root. handler is invoked on
// the watcher goroutine for every settled event.
func NewWatcher(root string, scanner *Scanner, debounceMS int, handler func(FileEvent)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounceMS <= 0 {
		debounceMS = 400
	}
	return &Watcher{
		root:        root,
		scanner:     scanner,
		watcher:     fsw,
		handler:     handler,
		debounceMap: make(map[string]fileState),
		debounceDur: time.Duration(debounceMS) * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start watches every non-excluded directory and begins the event loop.
// Non-blocking; Stop tears it down.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addDirs(); err != nil {
		return err
	}
	go w.loop(ctx)
	return nil
}

// addDirs registers the root and every non-excluded subdirectory.
// fsnotify watches are not recursive.
func (w *Watcher) addDirs() error {
	count := 0
	err := filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel != "." {
			if builtinExcludes[d.Name()] || w.scanner.userExcluded(rel) || w.scanner.ignored(rel, true) {
				return filepath.SkipDir
			}
		}
		if addErr := w.watcher.Add(path); addErr != nil {
			logging.IndexerDebug("Failed to watch %s: %v", rel, addErr)
			return nil
		}
		count++
		return nil
	})
	if err != nil {
		return err
	}
	logging.Indexer("Watching %d directories under %s", count, w.root)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	drain := time.NewTicker(100 * time.Millisecond)
	defer drain.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleRaw(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryIndexer).Warn("Watcher error: %v", err)

		case <-drain.C:
			w.drainSettled()
		}
	}
}

func (w *Watcher) handleRaw(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	// New directories must be added to the watch set.
	if event.Op&fsnotify.Create != 0 {
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			if !builtinExcludes[filepath.Base(rel)] && !w.scanner.ignored(rel, true) {
				if addErr := w.watcher.Add(event.Name); addErr == nil {
					logging.IndexerDebug("Watching new directory: %s", rel)
				}
			}
			return
		}
	}

	if !w.scanner.ShouldIndex(rel) {
		return
	}

	removed := event.Op&(fsnotify.Remove|fsnotify.Rename) != 0
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 && !removed {
		return
	}

	w.mu.Lock()
	w.debounceMap[rel] = fileState{lastSeen: time.Now(), removed: removed}
	w.mu.Unlock()
}

// drainSettled fires the handler for entries quiet past the debounce window.
func (w *Watcher) drainSettled() {
	now := time.Now()
	var settled []FileEvent

	w.mu.Lock()
	for rel, state := range w.debounceMap {
		if now.Sub(state.lastSeen) >= w.debounceDur {
			settled = append(settled, FileEvent{RelPath: rel, Removed: state.removed})
			delete(w.debounceMap, rel)
		}
	}
	w.mu.Unlock()

	for _, ev := range settled {
		logging.IndexerDebug("Settled file event: %s (removed=%v)", ev.RelPath, ev.Removed)
		w.handler(ev)
	}
}

// Reset clears pending debounce state, used after a full rescan so stale
// events do not trigger redundant re-indexing.
func (w *Watcher) Reset() {
	w.mu.Lock()
	w.debounceMap = make(map[string]fileState)
	w.mu.Unlock()
}

// Pending returns the number of files waiting to settle.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.debounceMap)
}

// Stop halts the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.watcher.Close()
	<-w.doneCh
	logging.Indexer("Watcher stopped")
}
