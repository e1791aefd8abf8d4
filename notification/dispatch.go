package notification

import (
	"os"
	"path/filepath"

	"github.com/makiuchi-d/fsnotice/fspoll"
)

// rawEvent is a change detected on a real path. A parent event is the
// DirModified derived from a change of one of the entries of path.
type rawEvent struct {
	path   string
	flags  Flags
	parent bool
}

// translate maps backend events onto raw flags. Every event also marks its
// parent directory modified, since one of its entries changed.
func translate(evs []fspoll.Event) []rawEvent {
	raws := make([]rawEvent, 0, len(evs)*2)
	for _, ev := range evs {
		var f Flags
		if ev.Has(fspoll.Create) {
			f |= pick(ev.Dir, DirCreated, FileCreated)
		}
		if ev.Has(fspoll.Write) || ev.Has(fspoll.Chmod) {
			f |= pick(ev.Dir, DirModified, FileModified)
		}
		if ev.Has(fspoll.Remove) || ev.Has(fspoll.Rename) {
			f |= pick(ev.Dir, DirDeleted, FileDeleted)
		}
		if f == 0 {
			continue
		}
		raws = append(raws,
			rawEvent{path: ev.Name, flags: f},
			rawEvent{path: filepath.Dir(ev.Name), flags: DirModified, parent: true})
	}
	return raws
}

func pick(dir bool, d, f Flags) Flags {
	if dir {
		return d
	}
	return f
}

type delivery struct {
	observer Observer
	path     string
	flags    Flags
}

type batchKey struct {
	observer Observer
	path     string
}

// batch accumulates the flags of one cycle per (observer, path), keeping
// the order in which pairs were first seen.
type batch struct {
	index map[batchKey]int
	items []delivery
}

func (b *batch) add(o Observer, path string, flags Flags) {
	if flags == 0 {
		return
	}
	if b.index == nil {
		b.index = make(map[batchKey]int)
	}
	k := batchKey{o, path}
	if i, ok := b.index[k]; ok {
		b.items[i].flags |= flags
		return
	}
	b.index[k] = len(b.items)
	b.items = append(b.items, delivery{observer: o, path: path, flags: flags})
}

// doomed lists what a cycle has seen deleted. It is torn down once the
// cycle has delivered its notifications.
type doomed struct {
	locs  []*location
	dirs  []string
	views []doomedView
}

type doomedView struct {
	loc     *location
	visible string
}

// dispatch matches one cycle of raw events against the table.
func (t *table) dispatch(raws []rawEvent) (*batch, *doomed) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := &batch{}
	d := &doomed{}
	queue := raws
	for i := 0; i < len(queue); i++ {
		ev := queue[i]
		parent := filepath.Dir(ev.path)

		// a parent event only concerns the directory itself
		if parent != ev.path && !ev.parent {
			for _, v := range t.viewsAt(parent) {
				visible := filepath.Join(v.visible, filepath.Base(ev.path))
				t.deliver(b, v.loc, ev.path, visible, ev.flags)
				if !recursiveView(v) {
					continue
				}
				if ev.flags.Has(DirCreated) {
					queue = t.grow(queue, v.loc, ev.path, visible)
				}
				if ev.flags.Has(DirDeleted) {
					d.views = append(d.views, doomedView{v.loc, visible})
				}
			}
		}
		for _, v := range t.viewsAt(ev.path) {
			t.deliver(b, v.loc, ev.path, v.visible, ev.flags)
			if ev.parent && recursiveView(v) {
				propagate(b, v.loc, v.visible)
			}
			if ev.flags.Has(DirDeleted) && recursiveView(v) {
				d.views = append(d.views, doomedView{v.loc, v.visible})
			}
		}

		if ev.flags.Has(FileDeleted | DirDeleted) {
			if loc, ok := t.locs[ev.path]; ok {
				d.locs = append(d.locs, loc)
			}
			if ev.flags.Has(DirDeleted) {
				d.dirs = append(d.dirs, ev.path)
			}
		}
	}
	return b, d
}

// recursiveView reports whether v is the root or a descendant of a
// recursive location.
func recursiveView(v *view) bool {
	return v.loc.recursive && within(v.visible, v.loc.path)
}

// propagate marks every directory between visible and the root of loc
// modified, for the recursive subscriptions of loc.
func propagate(b *batch, loc *location, visible string) {
	for dir := visible; dir != loc.path; {
		up := filepath.Dir(dir)
		if up == dir || !within(up, loc.path) {
			return
		}
		dir = up
		for _, s := range loc.subs {
			if s.watchType == WatchDirRecursive {
				b.add(s.observer, dir, DirModified&s.flags)
			}
		}
	}
}

func (t *table) deliver(b *batch, loc *location, real, visible string, flags Flags) {
	for _, s := range loc.subs {
		if inScope(loc, s.watchType, real, visible) {
			b.add(s.observer, visible, flags&s.flags)
		}
	}
}

func inScope(loc *location, wt WatchType, real, visible string) bool {
	switch wt {
	case WatchFile:
		return real == loc.path || visible == loc.path
	case WatchDir:
		return visible == loc.path || filepath.Dir(visible) == loc.path
	case WatchDirRecursive:
		return within(visible, loc.path)
	}
	return false
}

// grow expands loc into a directory created beneath it. The entries it
// already holds were created before the backend could see them, so they
// are queued as created.
func (t *table) grow(queue []rawEvent, loc *location, real, visible string) []rawEvent {
	canon, err := filepath.EvalSymlinks(real)
	if err != nil {
		return queue
	}
	if _, ok := loc.views[canon]; ok {
		return queue
	}
	if err := t.acquire(loc, canon, visible); err != nil {
		t.log.Warn().Err(err).Str("dir", canon).Str("root", loc.path).Msg("cannot watch subdirectory")
		return queue
	}
	t.expand(loc, canon, visible, func(real, _ string, dir bool) {
		queue = append(queue,
			rawEvent{path: real, flags: pick(dir, DirCreated, FileCreated)},
			rawEvent{path: filepath.Dir(real), flags: DirModified, parent: true})
	})
	return queue
}

// cleanup tears down what dispatch found deleted.
func (t *table) cleanup(d *doomed) {
	if len(d.locs) == 0 && len(d.dirs) == 0 && len(d.views) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, loc := range d.locs {
		if t.locs[loc.path] != loc {
			continue // already removed by an observer
		}
		t.teardown(loc)
		t.log.Debug().Str("path", loc.path).Int("locations", len(t.locs)).Msg("location deleted")
	}
	for _, dir := range d.dirs {
		if exists(dir) {
			continue // created again meanwhile
		}
		for _, v := range t.viewsUnder(dir) {
			if t.isDescendant(v.loc, v.real) {
				t.release(v.loc, v.real)
			}
		}
		// file locations cannot outlive the directory holding them
		for _, v := range t.viewsAt(dir) {
			if v.loc.parent && filepath.Dir(v.loc.path) == dir && t.locs[v.loc.path] == v.loc {
				t.teardown(v.loc)
				t.log.Debug().Str("path", v.loc.path).Int("locations", len(t.locs)).Msg("parent deleted")
			}
		}
	}
	// a removed link leaves its target alone; drop what was seen through it
	for _, dv := range d.views {
		if t.locs[dv.loc.path] != dv.loc || exists(dv.visible) {
			continue
		}
		for real, visible := range dv.loc.views {
			if t.isDescendant(dv.loc, real) && within(visible, dv.visible) {
				t.release(dv.loc, real)
			}
		}
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
