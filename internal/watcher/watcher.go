// Package watcher reports file activity in a session's working directory
// while the session runs.
package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"agentd/internal/logger"
)

const defaultDebounce = 500 * time.Millisecond

// excludedDirs are never watched or counted.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// Activity is one debounced batch of changes in a working directory.
type Activity struct {
	SessionID string   `json:"sessionId"`
	Paths     []string `json:"paths"`
	FileCount int      `json:"fileCount"`
}

// Callback receives activity batches. It runs on a timer goroutine.
type Callback func(Activity)

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher monitors working directories, one per session.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*sessionWatcher // sessionID → watcher
	debounce time.Duration
	callback Callback
	log      *slog.Logger
}

type sessionWatcher struct {
	sessionID string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu      sync.Mutex
	pending map[string]struct{}
}

// New creates a watcher that reports activity to callback.
func New(opts Options, callback Callback) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Watcher{
		watchers: make(map[string]*sessionWatcher),
		debounce: opts.Debounce,
		callback: callback,
		log:      log.With("component", "watcher"),
	}
}

// Watch starts watching workDir on behalf of sessionID. Watching a session
// twice is a no-op.
func (w *Watcher) Watch(sessionID, workDir string) error {
	w.mu.Lock()
	_, exists := w.watchers[sessionID]
	w.mu.Unlock()
	if exists {
		return nil
	}

	info, err := os.Stat(workDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("watch %s: not a directory", workDir)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		workDir:   workDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		pending:   make(map[string]struct{}),
	}

	if err := addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return err
	}

	w.mu.Lock()
	if _, exists := w.watchers[sessionID]; exists {
		w.mu.Unlock()
		fsW.Close()
		return nil
	}
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	go w.watchLoop(sw)
	return nil
}

// Unwatch stops watching a session's directory. Pending changes are dropped.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(sw.cancel)
		sw.fsWatcher.Close()
	}
}

// Watching reports whether sessionID has an active watch.
func (w *Watcher) Watching(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watchers[sessionID]
	return ok
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-sw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}

			// If a new directory is created, watch it too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					base := filepath.Base(event.Name)
					if !excludedDirs[base] && !isHidden(base) {
						_ = sw.fsWatcher.Add(event.Name)
					}
				}
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}

			rel, err := filepath.Rel(sw.workDir, event.Name)
			if err != nil {
				rel = event.Name
			}
			sw.mu.Lock()
			sw.pending[filepath.ToSlash(rel)] = struct{}{}
			sw.mu.Unlock()

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.flush(sw)
			})

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "session_id", sw.sessionID, "error", err)
		}
	}
}

// flush reports the accumulated paths if the session is still watched.
func (w *Watcher) flush(sw *sessionWatcher) {
	select {
	case <-sw.cancel:
		return
	default:
	}

	sw.mu.Lock()
	paths := make([]string, 0, len(sw.pending))
	for p := range sw.pending {
		paths = append(paths, p)
	}
	clear(sw.pending)
	sw.mu.Unlock()

	if len(paths) == 0 || w.callback == nil {
		return
	}
	slices.Sort(paths)
	w.callback(Activity{
		SessionID: sw.sessionID,
		Paths:     paths,
		FileCount: CountFiles(sw.workDir),
	})
}

// CountFiles counts all non-excluded files in a directory.
func CountFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}

		name := d.Name()

		if d.IsDir() {
			if excludedDirs[name] {
				return filepath.SkipDir
			}
			// Skip hidden dirs except .claude.
			if isHidden(name) && name != ".claude" && path != dir {
				return filepath.SkipDir
			}
			return nil
		}

		// Skip hidden files (except inside .claude).
		rel, _ := filepath.Rel(dir, path)
		if isHidden(name) && !strings.HasPrefix(rel, ".claude") {
			return nil
		}

		count++
		return nil
	})
	return count
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if excludedDirs[name] && path != dir {
			return filepath.SkipDir
		}
		if isHidden(name) && name != ".claude" && path != dir {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
