package notification

import (
	"errors"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/makiuchi-d/fsnotice/fspoll"
)

// Backend names.
const (
	BackendAuto   = "auto"
	BackendNative = "native"
	BackendPoll   = "poll"
)

// Backend detects changes in registered directories.
//
// The service drives a backend from a single goroutine: every cycle it
// calls Collect and dispatches what was detected since the previous cycle.
// Add and Remove may be called concurrently with Collect.
type Backend interface {
	// Name returns BackendNative, BackendPoll or the name of a custom backend.
	Name() string

	// Add starts watching the directory.
	Add(dir string) error

	// Remove stops watching the directory.
	Remove(dir string) error

	// Collect returns the events detected since the last call. The error
	// reports problems that did not stop detection.
	Collect() ([]fspoll.Event, error)

	// Close releases the backend.
	Close() error
}

// NewBackend selects a backend by name. BackendAuto prefers the native
// backend and falls back to polling when it is not available.
func NewBackend(name string, log zerolog.Logger) (Backend, error) {
	switch name {
	case BackendNative:
		return newNativeBackend()
	case BackendPoll:
		return newPollBackend(), nil
	case BackendAuto, "":
		b, err := newNativeBackend()
		if err != nil {
			log.Warn().Err(err).Msg("native notification unavailable, polling instead")
			return newPollBackend(), nil
		}
		return b, nil
	}
	return nil, xerrors.Errorf("unknown backend: %q", name)
}

// nativeBackend reports the changes fsnotify sees.
type nativeBackend struct {
	w *fspoll.Wrapper
}

func newNativeBackend() (*nativeBackend, error) {
	w, err := fspoll.Wrap(fsnotify.NewWatcher())
	if err != nil {
		return nil, xerrors.Errorf("fsnotify: %w", err)
	}
	return &nativeBackend{w: w}, nil
}

func (b *nativeBackend) Name() string { return BackendNative }

func (b *nativeBackend) Add(dir string) error {
	return b.w.Add(dir)
}

func (b *nativeBackend) Remove(dir string) error {
	return b.w.Remove(dir)
}

func (b *nativeBackend) Collect() ([]fspoll.Event, error) {
	var evs []fspoll.Event
	var errs []error
	for {
		select {
		case ev, ok := <-b.w.Events():
			if !ok {
				return evs, fspoll.ErrClosed
			}
			evs = append(evs, ev)
		case err, ok := <-b.w.Errors():
			if !ok {
				return evs, fspoll.ErrClosed
			}
			errs = append(errs, err)
		default:
			return evs, errors.Join(errs...)
		}
	}
}

func (b *nativeBackend) Close() error {
	return b.w.Close()
}

// pollBackend snapshots the registered directories every cycle.
type pollBackend struct {
	p *fspoll.Poller
}

func newPollBackend() *pollBackend {
	return &pollBackend{p: fspoll.New(0)}
}

func (b *pollBackend) Name() string { return BackendPoll }

func (b *pollBackend) Add(dir string) error {
	return b.p.Add(dir)
}

func (b *pollBackend) Remove(dir string) error {
	return b.p.Remove(dir)
}

func (b *pollBackend) Collect() ([]fspoll.Event, error) {
	return b.p.Scan()
}

func (b *pollBackend) Close() error {
	return b.p.Close()
}
