// Package watcher reports changes to individual files, debounced.
package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// ChangeCallback is called with the watched path after it settles.
type ChangeCallback func(path string)

// Options configure a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *zap.Logger
}

// Watcher monitors files for changes.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*fileWatcher // cleaned path → watcher
	debounce time.Duration
	log      *zap.Logger
}

type fileWatcher struct {
	path      string
	fsWatcher *fsnotify.Watcher
	callback  ChangeCallback
	cancel    chan struct{}
}

// New creates a new file watcher.
func New(opts Options) *Watcher {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		watchers: make(map[string]*fileWatcher),
		debounce: debounce,
		log:      logger,
	}
}

// Watch calls cb whenever path is written, created, replaced or removed.
// The parent directory is watched so editors that save by renaming a
// temporary file over path are still noticed.
func (w *Watcher) Watch(path string, cb ChangeCallback) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	w.mu.Lock()
	if _, ok := w.watchers[abs]; ok {
		w.mu.Unlock()
		return fmt.Errorf("already watching %s", abs)
	}
	w.mu.Unlock()

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	fw := &fileWatcher{
		path:      abs,
		fsWatcher: fsW,
		callback:  cb,
		cancel:    make(chan struct{}),
	}

	w.mu.Lock()
	w.watchers[abs] = fw
	w.mu.Unlock()

	go w.watchLoop(fw)
	w.log.Debug("watching file", zap.String("path", abs))
	return nil
}

// Unwatch stops watching path.
func (w *Watcher) Unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	fw, ok := w.watchers[abs]
	if ok {
		delete(w.watchers, abs)
	}
	w.mu.Unlock()

	if ok {
		close(fw.cancel)
		fw.fsWatcher.Close()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(fw *fileWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-fw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path || (event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write)) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case <-fw.cancel:
				default:
					fw.callback(fw.path)
				}
			})

		case err, ok := <-fw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.String("path", fw.path), zap.Error(err))
		}
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.watchers))
	for p := range w.watchers {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	for _, p := range paths {
		w.Unwatch(p)
	}
}
