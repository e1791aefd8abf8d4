package fspoll

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	wrapperBuffer = 1024

	// number of removed directories remembered for a second report
	goneSize = 256
)

// Wrapper of a fsnotify.Watcher.
//
// Wrapper forwards the events of the wrapped watcher, resolving whether
// each name is a directory. fsnotify cannot stat a removed name, so the
// Wrapper remembers the directories it has seen under the watched paths.
//
// Events are buffered until they are read. When the buffer is full, new
// events are dropped and ErrEventOverflow is sent to the Errors channel.
type Wrapper struct {
	w *fsnotify.Watcher

	events chan Event
	errors chan error
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	dirs  map[string]struct{}
	watch map[string]struct{}

	// a directory may be reported removed by both its parent and its own watch
	gone     map[string]int
	goneRing [goneSize]string
	goneNext int
}

var _ Watcher = (*Wrapper)(nil)

// Wrap returns a wrapping fsnotify.Watcher.
func Wrap(w *fsnotify.Watcher, err error) (*Wrapper, error) {
	return wrap(w, err, wrapperBuffer)
}

func wrap(w *fsnotify.Watcher, err error, size int) (*Wrapper, error) {
	if err != nil {
		return nil, err
	}
	wr := &Wrapper{
		w:      w,
		events: make(chan Event, size),
		errors: make(chan error, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		dirs:   make(map[string]struct{}),
		watch:  make(map[string]struct{}),
		gone:   make(map[string]int),
	}
	go wr.forward()
	return wr, nil
}

// Add starts watching the path for changes.
func (w *Wrapper) Add(name string) error {
	if err := w.w.Add(name); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.watch[name] = struct{}{}
	if fi, err := os.Stat(name); err == nil && fi.IsDir() {
		w.dirs[name] = struct{}{}
		des, _ := os.ReadDir(name)
		for _, de := range des {
			child := filepath.Join(name, de.Name())
			if isDir(child, de.IsDir()) {
				w.dirs[child] = struct{}{}
			}
		}
	}
	return nil
}

// Remove stops watching the specified path.
func (w *Wrapper) Remove(name string) error {
	w.mu.Lock()
	delete(w.watch, name)
	w.forget(name)
	w.mu.Unlock()
	return w.w.Remove(name)
}

// forget drops the directories no watch reports any more: the entries of
// name, and name itself unless its parent is watched.
func (w *Wrapper) forget(name string) {
	for dir := range w.dirs {
		if _, ok := w.watch[dir]; ok {
			continue
		}
		if filepath.Dir(dir) == name {
			delete(w.dirs, dir)
		}
	}
	if _, ok := w.watch[filepath.Dir(name)]; !ok {
		delete(w.dirs, name)
	}
}

// Close stops all watches and closes the channels.
func (w *Wrapper) Close() error {
	var err error
	w.once.Do(func() {
		close(w.quit)
		err = w.w.Close()
	})
	<-w.done
	return err
}

// WatchList returns a list of watching path names.
func (w *Wrapper) WatchList() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.watch))
	for name := range w.watch {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Events returns Events channel of wrapping fsnotify.Watcher.
func (w *Wrapper) Events() <-chan Event {
	return w.events
}

// Errors returns Errors channel of wrapping fsnotify.Watcher.
func (w *Wrapper) Errors() <-chan error {
	return w.errors
}

func (w *Wrapper) forward() {
	defer func() {
		close(w.events)
		close(w.errors)
		close(w.done)
	}()

	evC, errC := w.w.Events, w.w.Errors
	for evC != nil || errC != nil {
		select {
		case ev, ok := <-evC:
			if !ok {
				evC = nil
				continue
			}
			select {
			case w.events <- w.convert(ev):
			case <-w.quit:
			default:
				select {
				case w.errors <- ErrEventOverflow:
				default:
				}
			}

		case err, ok := <-errC:
			if !ok {
				errC = nil
				continue
			}
			select {
			case w.errors <- err:
			default: // the owner has not collected the previous one
			}
		}
	}
}

func (w *Wrapper) convert(ev fsnotify.Event) Event {
	w.mu.Lock()
	defer w.mu.Unlock()

	e := Event{Name: ev.Name, Op: ev.Op}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		_, e.Dir = w.dirs[ev.Name]
		if _, ok := w.gone[ev.Name]; ok {
			e.Dir = true
		}
		if ev.Has(fsnotify.Remove) {
			delete(w.watch, ev.Name) // fsnotify drops the watch by itself
		}
		if _, ok := w.watch[ev.Name]; !ok && e.Dir {
			delete(w.dirs, ev.Name)
			w.remember(ev.Name)
		}
		return e
	}

	if isDir(ev.Name, false) {
		e.Dir = true
		w.dirs[ev.Name] = struct{}{}
	} else if ev.Has(fsnotify.Create) {
		delete(w.dirs, ev.Name)
		w.unremember(ev.Name)
	}
	return e
}

// remember keeps the most recently removed directories.
func (w *Wrapper) remember(name string) {
	if _, ok := w.gone[name]; ok {
		return
	}
	if old := w.goneRing[w.goneNext]; old != "" && w.gone[old] == w.goneNext {
		delete(w.gone, old)
	}
	w.goneRing[w.goneNext] = name
	w.gone[name] = w.goneNext
	w.goneNext = (w.goneNext + 1) % goneSize
}

func (w *Wrapper) unremember(name string) {
	if i, ok := w.gone[name]; ok {
		delete(w.gone, name)
		w.goneRing[i] = ""
	}
}

func isDir(name string, known bool) bool {
	if known {
		return true
	}
	fi, err := os.Stat(name)
	return err == nil && fi.IsDir()
}
