package conflict

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Overlap represents a file being modified in more than one live worktree.
// An overlap is advisory: it predicts a likely conflict at sync time but is
// not itself a merge conflict.
type Overlap struct {
	RelativePath string    // Path relative to worktree root
	Executions   []string  // Execution IDs that modified this file
	LastModified time.Time // When the overlap was last observed
}

// Watcher observes file modifications across live worktrees and flags files
// touched by more than one execution before either has synced.
type Watcher struct {
	watcher *fsnotify.Watcher

	// Map of execution ID -> worktree path
	worktrees map[string]string

	// Map of relative path -> execution IDs that modified it, with the
	// modification time. Relative paths are comparable across worktrees.
	modifications map[string]map[string]time.Time

	overlaps []Overlap

	// Callback invoked when overlaps change
	onOverlap func([]Overlap)

	// Directory basenames to skip (VCS metadata, state dirs)
	ignore []string

	mu     sync.RWMutex
	stopCh chan struct{}
}

// NewWatcher creates a Watcher. Call Start to begin processing events and
// Stop to release the underlying fsnotify resources.
func NewWatcher() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:       fsw,
		worktrees:     make(map[string]string),
		modifications: make(map[string]map[string]time.Time),
		overlaps:      make([]Overlap, 0),
		ignore:        []string{".git", ".flotilla", "node_modules", ".DS_Store"},
		stopCh:        make(chan struct{}),
	}, nil
}

// SetOverlapCallback sets the callback for when overlaps are detected.
func (w *Watcher) SetOverlapCallback(cb func([]Overlap)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onOverlap = cb
}

// AddWorktree starts watching files under an execution's worktree.
func (w *Watcher) AddWorktree(executionID, worktreePath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.worktrees[executionID] = worktreePath

	if err := w.watcher.Add(worktreePath); err != nil {
		return err
	}

	// fsnotify only watches single directories, so subdirectories are
	// registered explicitly.
	return w.watchDirRecursive(worktreePath)
}

func (w *Watcher) watchDirRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip unreadable entries, continue walking
		}

		base := filepath.Base(path)
		for _, ignore := range w.ignore {
			if base == ignore {
				return filepath.SkipDir
			}
		}

		if info.IsDir() {
			_ = w.watcher.Add(path)
		}

		return nil
	})
}

// RemoveWorktree stops watching an execution's worktree and drops its
// modification records.
func (w *Watcher) RemoveWorktree(executionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	worktreePath, ok := w.worktrees[executionID]
	if !ok {
		return
	}

	_ = w.watcher.Remove(worktreePath)
	delete(w.worktrees, executionID)

	for relPath, execs := range w.modifications {
		delete(execs, executionID)
		if len(execs) == 0 {
			delete(w.modifications, relPath)
		}
	}

	w.recalculate()
}

// Start begins watching for file changes.
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Stop stops the watcher and releases resources. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.stopCh:
		// already stopped
	default:
		close(w.stopCh)
		_ = w.watcher.Close()
	}
}

// watchLoop processes filesystem events. Editors commonly emit several
// events per save, so events are debounced briefly before processing.
func (w *Watcher) watchLoop() {
	debounce := time.NewTimer(0)
	<-debounce.C // drain initial timer

	pending := make(map[string]fsnotify.Event)
	var pendingMu sync.Mutex

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			pendingMu.Lock()
			pending[event.Name] = event
			pendingMu.Unlock()

			debounce.Reset(50 * time.Millisecond)

		case <-debounce.C:
			pendingMu.Lock()
			events := pending
			pending = make(map[string]fsnotify.Event)
			pendingMu.Unlock()

			for _, event := range events {
				w.handleEvent(event)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			_ = err
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := event.Name

	for _, ignore := range w.ignore {
		if strings.Contains(path, string(filepath.Separator)+ignore+string(filepath.Separator)) ||
			strings.HasSuffix(path, string(filepath.Separator)+ignore) ||
			filepath.Base(path) == ignore {
			return
		}
	}

	var matchedExecution string
	var relativePath string
	for executionID, worktreePath := range w.worktrees {
		if strings.HasPrefix(path, worktreePath) {
			matchedExecution = executionID
			relativePath, _ = filepath.Rel(worktreePath, path)
			break
		}
	}
	if matchedExecution == "" {
		return // Not in any watched worktree
	}

	if w.modifications[relativePath] == nil {
		w.modifications[relativePath] = make(map[string]time.Time)
	}
	w.modifications[relativePath][matchedExecution] = time.Now()

	w.recalculate()
}

// recalculate rebuilds the overlap list from tracked modifications.
func (w *Watcher) recalculate() {
	overlaps := make([]Overlap, 0)

	for relPath, execs := range w.modifications {
		if len(execs) < 2 {
			continue
		}

		var ids []string
		var lastMod time.Time
		for id, modTime := range execs {
			ids = append(ids, id)
			if modTime.After(lastMod) {
				lastMod = modTime
			}
		}

		overlaps = append(overlaps, Overlap{
			RelativePath: relPath,
			Executions:   ids,
			LastModified: lastMod,
		})
	}

	w.overlaps = overlaps

	if w.onOverlap != nil && len(overlaps) > 0 {
		w.onOverlap(overlaps)
	}
}

// Overlaps returns a copy of the current overlap list.
func (w *Watcher) Overlaps() []Overlap {
	w.mu.RLock()
	defer w.mu.RUnlock()

	result := make([]Overlap, len(w.overlaps))
	copy(result, w.overlaps)
	return result
}

// FilesModifiedBy returns the files modified by a specific execution.
func (w *Watcher) FilesModifiedBy(executionID string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var files []string
	for relPath, execs := range w.modifications {
		if _, ok := execs[executionID]; ok {
			files = append(files, relPath)
		}
	}
	return files
}

// HasOverlaps returns true if any file is being modified by multiple
// executions.
func (w *Watcher) HasOverlaps() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.overlaps) > 0
}
