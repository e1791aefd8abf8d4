package fspoll

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Poller is a polling watcher for file changes.
//
// All watched names are polled by a single task. Each pass takes a fresh
// snapshot of every name (and of the direct children of directories) and
// reports the difference from the previous pass.
type Poller struct {
	events chan Event
	errors chan error

	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	targets map[string]*target
}

type target struct {
	stat     stat
	children map[string]stat // nil unless the target is a directory
}

type stat struct {
	mode    fs.FileMode
	modtime time.Time
	size    int64
	dir     bool
}

// New generates a new Poller which polls the watched names every interval.
//
// A Poller created with a non-positive interval never polls on its own;
// the owner drives it by calling Scan.
func New(interval time.Duration) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		events:   make(chan Event, 1),
		errors:   make(chan error, 1),
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		targets:  make(map[string]*target),
	}
	if interval > 0 {
		p.done = make(chan struct{})
		go p.run()
	}
	return p
}

// Add starts watching the path for changes.
func (p *Poller) Add(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	if _, ok := p.targets[name]; ok {
		return nil // already watching
	}

	t, err := snapshot(name)
	if err != nil {
		return err
	}
	p.targets[name] = t

	return nil
}

// Close stops all watches and closes the channels.
func (p *Poller) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cancel()
	clear(p.targets)
	p.mu.Unlock()

	if p.done != nil {
		<-p.done
	} else {
		close(p.events)
		close(p.errors)
	}
	return nil
}

// Remove stops watching the specified path.
func (p *Poller) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	if _, ok := p.targets[name]; !ok {
		return ErrNonExistentWatch
	}
	delete(p.targets, name)

	return nil
}

// WatchList returns a list of watching path names.
func (p *Poller) WatchList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.targets))
	for name := range p.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Events returns a channel that receives filesystem events.
func (p *Poller) Events() <-chan Event {
	return p.events
}

// Errors returns a channel that receives errors.
func (p *Poller) Errors() <-chan error {
	return p.errors
}

// Scan polls every watched name once and returns the changes since the
// previous pass, in name order.
//
// A watched name which has disappeared is reported as removed and is no
// longer watched. Errors other than disappearance do not stop the pass;
// they are joined into the returned error.
func (p *Poller) Scan() ([]Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	names := make([]string, 0, len(p.targets))
	for name := range p.targets {
		names = append(names, name)
	}
	sort.Strings(names)

	var evs []Event
	var errs []error
	for _, name := range names {
		t := p.targets[name]
		gone, err := t.scan(name, func(ev Event) { evs = append(evs, ev) })
		if err != nil {
			errs = append(errs, err)
		}
		if gone {
			delete(p.targets, name)
		}
	}
	return evs, errors.Join(errs...)
}

func (p *Poller) run() {
	defer func() {
		close(p.events)
		close(p.errors)
		close(p.done)
	}()

	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-t.C:
		}

		evs, err := p.Scan()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			if !p.sendError(err) {
				return
			}
		}
		for _, ev := range evs {
			if !p.sendEvent(ev) {
				return
			}
		}
	}
}

func (p *Poller) sendEvent(ev Event) bool {
	select {
	case <-p.ctx.Done():
		return false
	case p.events <- ev:
		return true
	}
}

func (p *Poller) sendError(err error) bool {
	select {
	case <-p.ctx.Done():
		return false
	case p.errors <- err:
		return true
	}
}

func makeStat(name string, fi fs.FileInfo) stat {
	dir := fi.IsDir()
	if fi.Mode()&fs.ModeSymlink != 0 {
		// a link to a directory counts as a directory
		if st, err := os.Stat(name); err == nil {
			dir = st.IsDir()
		}
	}
	return stat{
		mode:    fi.Mode(),
		modtime: fi.ModTime(),
		size:    fi.Size(),
		dir:     dir,
	}
}

func snapshot(name string) (*target, error) {
	fi, err := os.Stat(name)
	if err != nil {
		return nil, err
	}
	t := &target{stat: makeStat(name, fi)}
	if t.stat.dir {
		children, err := readChildren(name)
		if children == nil {
			return nil, err
		}
		t.children = children
	}
	return t, nil
}

// readChildren returns stats of the entries in dir. The map is nil only when
// dir itself could not be read.
func readChildren(dir string) (map[string]stat, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var errs []error
	children := make(map[string]stat, len(des))
	for _, de := range des {
		fi, err := de.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		children[de.Name()] = makeStat(filepath.Join(dir, de.Name()), fi)
	}
	return children, errors.Join(errs...)
}

func (t *target) scan(name string, emit func(Event)) (gone bool, err error) {
	fi, err := os.Stat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			t.vanish(name, emit)
			return true, nil
		}
		return false, err
	}

	cur := makeStat(name, fi)
	if cur.dir != t.stat.dir {
		// replaced by another kind of file
		t.vanish(name, emit)
		return true, nil
	}
	if cur.mode != t.stat.mode {
		emit(Event{Name: name, Op: Chmod, Dir: cur.dir})
	}
	if !cur.dir && (cur.modtime != t.stat.modtime || cur.size != t.stat.size) {
		emit(Event{Name: name, Op: Write})
	}
	t.stat = cur

	if !cur.dir {
		return false, nil
	}

	children, err := readChildren(name)
	if children == nil {
		if errors.Is(err, fs.ErrNotExist) {
			t.vanish(name, emit)
			return true, nil
		}
		return false, err
	}
	diffChildren(name, t.children, children, emit)
	t.children = children
	return false, err
}

// vanish reports the removal of a watched name. The entries of a directory
// go with it, so they are reported removed first.
func (t *target) vanish(name string, emit func(Event)) {
	diffChildren(name, t.children, nil, emit)
	emit(Event{Name: name, Op: Remove, Dir: t.stat.dir})
}

func diffChildren(dir string, prev, cur map[string]stat, emit func(Event)) {
	var removed, current []string
	for n := range prev {
		if _, ok := cur[n]; !ok {
			removed = append(removed, n)
		}
	}
	for n := range cur {
		current = append(current, n)
	}
	sort.Strings(removed)
	sort.Strings(current)

	for _, n := range removed {
		emit(Event{Name: filepath.Join(dir, n), Op: Remove, Dir: prev[n].dir})
	}

	for _, n := range current {
		fullname := filepath.Join(dir, n)
		cs := cur[n]
		ps, ok := prev[n]
		if !ok {
			emit(Event{Name: fullname, Op: Create, Dir: cs.dir})
			continue
		}
		if cs.dir != ps.dir {
			emit(Event{Name: fullname, Op: Remove, Dir: ps.dir})
			emit(Event{Name: fullname, Op: Create, Dir: cs.dir})
			continue
		}
		if cs.mode != ps.mode {
			emit(Event{Name: fullname, Op: Chmod, Dir: cs.dir})
		}
		if !cs.dir { // ignore changes in the subdir
			if cs.modtime != ps.modtime || cs.size != ps.size {
				emit(Event{Name: fullname, Op: Write})
			}
		}
	}
}
