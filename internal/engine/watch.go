package engine

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/tailship/tailship/internal/config"
)

// globWatch tracks one glob pattern and the paths already bound to a
// descriptor, so a rescan only surfaces genuinely new files.
type globWatch struct {
	pattern string
	cfg     config.InputConfig
	bound   map[string]bool
}

// release forgets a path so it can be rediscovered if recreated.
func (w *globWatch) release(path string) {
	delete(w.bound, path)
}

// dirWatcher combines filesystem notifications on the glob parent
// directories with the engine's periodic rescan. Notifications only
// advance the rescan schedule; discovery itself always goes through a
// full glob evaluation.
type dirWatcher struct {
	log     *logrus.Entry
	fsw     *fsnotify.Watcher
	notify  chan struct{}
	watches []*globWatch
	dirs    map[string]bool
}

func newDirWatcher(log *logrus.Entry) (*dirWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}
	w := &dirWatcher{
		log:    log,
		fsw:    fsw,
		notify: make(chan struct{}, 1),
		dirs:   make(map[string]bool),
	}
	go w.forward()
	return w, nil
}

// enroll registers a glob pattern and begins watching its parent
// directory. A pattern with no current matches is still enrolled.
func (w *dirWatcher) enroll(pattern string, cfg config.InputConfig) error {
	w.watches = append(w.watches, &globWatch{
		pattern: pattern,
		cfg:     cfg,
		bound:   make(map[string]bool),
	})

	dir := filepath.Dir(pattern)
	if !w.dirs[dir] {
		if err := w.fsw.Add(dir); err != nil {
			w.log.Warnf("cannot watch %s, relying on periodic rescan: %v", dir, err)
		} else {
			w.dirs[dir] = true
		}
	}
	return nil
}

// rescan evaluates every enrolled glob and calls found for each path
// that is not yet bound.
func (w *dirWatcher) rescan(found func(path string, gw *globWatch)) {
	for _, gw := range w.watches {
		matches, err := filepath.Glob(gw.pattern)
		if err != nil {
			w.log.Warnf("bad glob %q: %v", gw.pattern, err)
			continue
		}
		for _, path := range matches {
			if gw.bound[path] {
				continue
			}
			gw.bound[path] = true
			found(path, gw)
		}
	}
}

// events signals that something changed under a watched directory.
func (w *dirWatcher) events() <-chan struct{} {
	return w.notify
}

// forward collapses the notification stream into a single pending
// signal.
func (w *dirWatcher) forward() {
	for {
		select {
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			select {
			case w.notify <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warnf("filesystem watch error: %v", err)
		}
	}
}

func (w *dirWatcher) close() {
	w.fsw.Close()
}
