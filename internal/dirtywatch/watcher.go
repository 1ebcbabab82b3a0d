// Package dirtywatch marks worktree allocations dirty when their files
// change on disk, supplementing caller-reported dirtiness.
package dirtywatch

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Marker flags an allocation as having local modifications
type Marker interface {
	MarkDirty(id string)
}

// Watcher observes allocated worktree paths and calls MarkDirty for the
// owning allocation on any relevant filesystem event
type Watcher struct {
	marker   Marker
	debounce time.Duration

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	byRoot  map[string]string // worktree root -> allocation id
	pending map[string]time.Time
	stop    chan struct{}
	done    chan struct{}
}

// New creates a watcher. debounce collapses event bursts from a single
// save or checkout into one MarkDirty call.
func New(marker Marker, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	w := &Watcher{
		marker:   marker,
		debounce: debounce,
		fsw:      fsw,
		byRoot:   make(map[string]string),
		pending:  make(map[string]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Watch registers a worktree path for an allocation. Subdirectories are
// added as they are seen; .git is ignored.
func (w *Watcher) Watch(allocationID, root string) error {
	w.mu.Lock()
	w.byRoot[root] = allocationID
	w.mu.Unlock()

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return w.fsw.Add(path)
		}
		return nil
	})
}

// Unwatch removes a worktree path
func (w *Watcher) Unwatch(root string) {
	w.mu.Lock()
	delete(w.byRoot, root)
	w.mu.Unlock()
	// fsnotify drops watches on deleted directories on its own; stale
	// registrations for live ones are harmless since byRoot no longer
	// resolves them.
}

// Close stops the watcher
func (w *Watcher) Close() error {
	close(w.stop)
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("dirtywatch: %v", err)
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if strings.Contains(event.Name, string(filepath.Separator)+".git"+string(filepath.Separator)) ||
		strings.HasSuffix(event.Name, string(filepath.Separator)+".git") {
		return
	}

	// New directories need their own watch for recursive coverage
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() && info.Name() != ".git" {
			w.fsw.Add(event.Name)
		}
	}

	w.mu.Lock()
	for root, id := range w.byRoot {
		if strings.HasPrefix(event.Name, root+string(filepath.Separator)) || event.Name == root {
			w.pending[id] = time.Now()
			break
		}
	}
	w.mu.Unlock()
}

func (w *Watcher) flush() {
	now := time.Now()
	var fire []string

	w.mu.Lock()
	for id, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			fire = append(fire, id)
			delete(w.pending, id)
		}
	}
	w.mu.Unlock()

	for _, id := range fire {
		w.marker.MarkDirty(id)
	}
}
