// fspoll provides polling file change watcher.
package fspoll

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
)

type Op = fsnotify.Op

const (
	Create = fsnotify.Create
	Write  = fsnotify.Write
	Remove = fsnotify.Remove
	Rename = fsnotify.Rename
	Chmod  = fsnotify.Chmod
)

var (
	ErrNonExistentWatch = fsnotify.ErrNonExistentWatch
	ErrEventOverflow    = fsnotify.ErrEventOverflow
	ErrClosed           = fsnotify.ErrClosed
)

// Event is a file system change on Name.
//
// Dir reports whether Name is (or, for Remove and Rename, was) a directory.
// It is best effort for removals seen by the fsnotify Wrapper.
type Event struct {
	Name string
	Op   Op
	Dir  bool
}

// Has reports if this event has the given operation.
func (e Event) Has(op Op) bool {
	return e.Op.Has(op)
}

func (e Event) String() string {
	if e.Dir {
		return fmt.Sprintf("%-13s %q (dir)", e.Op.String(), e.Name)
	}
	return fmt.Sprintf("%-13s %q", e.Op.String(), e.Name)
}

// Watcher is a common interface for fspoll and fsnotify
type Watcher interface {

	// Add starts watching the path for changes.
	Add(name string) error

	// Close stops all watches and closes the channels.
	Close() error

	// Remove stops watching the specified path.
	Remove(name string) error

	// WatchList returns a list of watching path names.
	WatchList() []string

	// Events returns a channel that receives filesystem events.
	Events() <-chan Event

	// Errors returns a channel that receives errors.
	Errors() <-chan error
}
