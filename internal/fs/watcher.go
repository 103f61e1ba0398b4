package fs

import (
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"melissi-go/internal/melissi"
)

// Watcher turns fsnotify events under a set of watch roots into
// melissi.Events. fsnotify is not recursive, so every directory is watched
// individually and new directories are added as they appear.
type Watcher struct {
	watcher *fsnotify.Watcher
	ignore  *IgnoreMatcher
	events  chan melissi.Event
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	roots   []string
}

// NewWatcher creates a Watcher. It must be started with Start before it
// emits events.
func NewWatcher(ignore *IgnoreMatcher) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if ignore == nil {
		ignore = NewIgnoreMatcher(nil)
	}
	return &Watcher{
		watcher: w,
		ignore:  ignore,
		events:  make(chan melissi.Event, 256),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start watches every directory below each root.
func (w *Watcher) Start(roots []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	for _, root := range roots {
		if err := w.addTree(root, root); err != nil {
			return fmt.Errorf("watching %s: %w", root, err)
		}
	}
	w.roots = append([]string{}, roots...)

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop closes the watcher and both channels. It blocks until the event
// loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return nil
}

// Events is closed when the watcher is stopped.
func (w *Watcher) Events() <-chan melissi.Event {
	return w.events
}

// Errors is closed when the watcher is stopped.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// addTree adds dir and every non-ignored directory below it.
func (w *Watcher) addTree(root, dir string) error {
	return filepath.WalkDir(dir, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			if p != dir && os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if rel, err := filepath.Rel(root, p); err == nil && w.ignore.Match(rel) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("adding %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			ev, ok := w.convertEvent(event)
			if !ok {
				continue
			}
			select {
			case w.events <- ev:
			case <-w.done:
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event. Chmod-only events are dropped.
func (w *Watcher) convertEvent(event fsnotify.Event) (melissi.Event, bool) {
	root := w.rootOf(event.Name)
	if root == "" {
		return melissi.Event{}, false
	}

	ev := melissi.Event{Path: event.Name}
	switch {
	case event.Has(fsnotify.Create):
		ev.Op = melissi.EventCreate
	case event.Has(fsnotify.Write):
		ev.Op = melissi.EventWrite
	case event.Has(fsnotify.Remove):
		ev.Op = melissi.EventRemove
		return ev, true
	case event.Has(fsnotify.Rename):
		ev.Op = melissi.EventRename
		return ev, true
	default:
		return melissi.Event{}, false
	}

	info, err := os.Lstat(event.Name)
	if err != nil {
		// Gone already; the remove event follows.
		return melissi.Event{}, false
	}
	if info.IsDir() {
		ev.IsDir = true
		if ev.Op == melissi.EventCreate {
			if err := w.addTree(root, event.Name); err != nil {
				select {
				case w.errors <- err:
				default:
				}
			}
		}
	} else if !info.Mode().IsRegular() {
		return melissi.Event{}, false
	}
	return ev, true
}

// rootOf returns the longest watch root containing p.
func (w *Watcher) rootOf(p string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	best := ""
	for _, root := range w.roots {
		if (p == root || strings.HasPrefix(p, root+string(filepath.Separator))) && len(root) > len(best) {
			best = root
		}
	}
	return best
}
