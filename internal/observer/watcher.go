// Package observer watches the checklist file for external edits and keeps
// coarse metrics over finished runs for the status surfaces.
package observer

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback is called, debounced, after the checklist file changes
type ChangeCallback func(path string)

// ChecklistWatcher monitors the checklist file for writes. The watch sits on
// the parent directory because status updates land via temp-file rename,
// which replaces the inode a file-level watch would follow.
type ChecklistWatcher struct {
	watcher       *fsnotify.Watcher
	checklistPath string
	callback      ChangeCallback
	debounce      time.Duration

	mu      sync.Mutex
	pending bool
	timer   *time.Timer
	cancel  context.CancelFunc
}

// NewChecklistWatcher creates a watcher for the given checklist file
func NewChecklistWatcher(checklistPath string, callback ChangeCallback) (*ChecklistWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(checklistPath)); err != nil {
		watcher.Close()
		return nil, err
	}

	return &ChecklistWatcher{
		watcher:       watcher,
		checklistPath: checklistPath,
		callback:      callback,
		debounce:      500 * time.Millisecond,
	}, nil
}

// SetDebounce sets the quiet period before a change is reported
func (w *ChecklistWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start begins delivering change callbacks until the context ends
func (w *ChecklistWatcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case _, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// Stop ends watching
func (w *ChecklistWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

func (w *ChecklistWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.checklistPath) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *ChecklistWatcher) flush() {
	w.mu.Lock()
	fire := w.pending
	w.pending = false
	w.mu.Unlock()

	if fire && w.callback != nil {
		w.callback(w.checklistPath)
	}
}
