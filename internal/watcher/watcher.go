// Package watcher observes a project's working directory and publishes
// debounced file-change batches to the session relay.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/vibedev/vibedev/internal/common/config"
	"github.com/vibedev/vibedev/internal/common/logger"
	"github.com/vibedev/vibedev/internal/relay"
	"github.com/vibedev/vibedev/pkg/events"
)

// ignoredDirs are never watched; they churn constantly and the client has
// no use for their contents
var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".next":        true,
	"dist":         true,
	"build":        true,
}

// Watcher monitors one project's working directory
type Watcher struct {
	projectID string
	workDir   string
	debounce  time.Duration
	relay     *relay.Relay
	logger    *logger.Logger

	fswatcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher for a project's working directory
func New(cfg config.WatcherConfig, projectID, workDir string, r *relay.Relay, log *logger.Logger) (*Watcher, error) {
	fswatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}

	return &Watcher{
		projectID: projectID,
		workDir:   workDir,
		debounce:  debounce,
		relay:     r,
		logger: log.WithFields(
			zap.String("component", "file-watcher"),
			zap.String("project_id", projectID)),
		fswatcher: fswatcher,
		pending:   make(map[string]struct{}),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start begins watching. The working directory and its subdirectories are
// registered up front; directories created later are added as they appear.
func (w *Watcher) Start() error {
	if err := w.addDirectoryRecursive(w.workDir); err != nil {
		w.fswatcher.Close()
		return err
	}

	w.wg.Add(1)
	go w.run()

	w.logger.Info("File watcher started", zap.String("dir", w.workDir))
	return nil
}

// Stop stops watching and flushes nothing; pending changes at shutdown are
// dropped
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if err := w.fswatcher.Close(); err != nil {
			w.logger.Debug("Failed to close watcher", zap.Error(err))
		}
		w.wg.Wait()
	})
}

// run accumulates change notifications and publishes one batch per quiet
// period
func (w *Watcher) run() {
	defer w.wg.Done()

	var debounceTimer *time.Timer
	timerC := func() <-chan time.Time {
		if debounceTimer != nil {
			return debounceTimer.C
		}
		return nil
	}

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.fswatcher.Events:
			if !ok {
				return
			}
			if w.ignored(event.Name) {
				continue
			}

			// New directories need their own watch registration
			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addDirectoryRecursive(event.Name); err != nil {
						w.logger.Debug("Failed to watch new directory", zap.Error(err))
					}
				}
			}

			w.mu.Lock()
			w.pending[event.Name] = struct{}{}
			w.mu.Unlock()

			if debounceTimer == nil {
				debounceTimer = time.NewTimer(w.debounce)
			} else {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(w.debounce)
			}

		case <-timerC():
			debounceTimer = nil
			w.flush()

		case err, ok := <-w.fswatcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("Filesystem watcher error", zap.Error(err))
		}
	}
}

// flush publishes the accumulated batch as a single file change event
func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for path := range w.pending {
		if rel, err := filepath.Rel(w.workDir, path); err == nil {
			paths = append(paths, rel)
		} else {
			paths = append(paths, path)
		}
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	sort.Strings(paths)
	w.relay.Publish(events.NewFileChange(w.projectID, paths))
	w.logger.Debug("Published file change batch", zap.Int("paths", len(paths)))
}

// ignored reports whether the path sits under any ignored directory
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.workDir, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if ignoredDirs[part] {
			return true
		}
	}
	return false
}

// addDirectoryRecursive adds a directory and all its subdirectories to the
// watcher, skipping ignored ones
func (w *Watcher) addDirectoryRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if ignoredDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.fswatcher.Add(path); err != nil {
			w.logger.Debug("Failed to watch directory", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
}
