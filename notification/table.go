package notification

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/armon/go-radix"
	"github.com/rs/zerolog"
)

type subscription struct {
	observer  Observer
	flags     Flags
	watchType WatchType
}

// location is a canonical path with at least one explicit subscription.
//
// The directories a location needs from the backend are its views, keyed
// by real directory. A view's visible directory differs from the real one
// only for descendants reached through a symlink.
type location struct {
	path    string
	subs    map[Observer]*subscription
	aliases map[string]struct{}
	views   map[string]string

	parent    bool // parent directory registered for file subscriptions
	self      bool
	recursive bool
}

type view struct {
	loc     *location
	real    string
	visible string
}

// table owns every location and the backend registrations behind them.
type table struct {
	mu      sync.Mutex
	backend Backend
	log     zerolog.Logger

	locs    map[string]*location
	aliases map[string]*location
	views   *radix.Tree // real dir -> []*view
}

func newTable(b Backend, log zerolog.Logger) *table {
	return &table{
		backend: b,
		log:     log,
		locs:    make(map[string]*location),
		aliases: make(map[string]*location),
		views:   radix.New(),
	}
}

func (t *table) add(o Observer, path string, wt WatchType, flags Flags) bool {
	canon, ok := canonicalize(path, wt)
	if !ok {
		t.log.Debug().Str("path", path).Stringer("type", wt).Msg("precondition failed")
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	loc := t.locs[canon]
	if loc == nil {
		loc = &location{
			path:    canon,
			subs:    make(map[Observer]*subscription),
			aliases: make(map[string]struct{}),
			views:   make(map[string]string),
		}
	}

	prev := loc.subs[o]
	loc.subs[o] = &subscription{observer: o, flags: flags, watchType: wt}
	if err := t.sync(loc); err != nil {
		t.log.Warn().Err(err).Str("path", canon).Msg("cannot register location")
		if prev != nil {
			loc.subs[o] = prev
		} else {
			delete(loc.subs, o)
		}
		if len(loc.subs) == 0 {
			t.teardown(loc)
		} else {
			_ = t.sync(loc)
		}
		return false
	}

	t.locs[canon] = loc
	if abs, err := filepath.Abs(path); err == nil && abs != canon {
		loc.aliases[abs] = struct{}{}
		t.aliases[abs] = loc
	}
	t.log.Debug().Str("path", canon).Stringer("type", wt).Stringer("flags", flags).
		Int("locations", len(t.locs)).Msg("observer added")
	return true
}

func (t *table) remove(o Observer, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	loc := t.lookup(path)
	if loc == nil {
		return
	}
	if _, ok := loc.subs[o]; !ok {
		return
	}
	delete(loc.subs, o)

	if len(loc.subs) == 0 {
		t.teardown(loc)
	} else if err := t.sync(loc); err != nil {
		t.log.Warn().Err(err).Str("path", loc.path).Msg("cannot update location")
	}
	t.log.Debug().Str("path", loc.path).Int("locations", len(t.locs)).Msg("observer removed")
}

func (t *table) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locs)
}

func (t *table) lookup(path string) *location {
	if abs, err := filepath.Abs(path); err == nil {
		if loc, ok := t.aliases[abs]; ok {
			return loc
		}
		if loc, ok := t.locs[abs]; ok {
			return loc
		}
	}
	return t.locs[canonicalizeLoose(path)]
}

// sync brings the views of loc in line with its subscriptions.
func (t *table) sync(loc *location) error {
	var needParent, needSelf, recursive bool
	for _, s := range loc.subs {
		switch s.watchType {
		case WatchFile:
			needParent = true
		case WatchDir:
			needSelf = true
		case WatchDirRecursive:
			needSelf = true
			recursive = true
		}
	}

	parent := filepath.Dir(loc.path)
	if needParent && !loc.parent {
		if err := t.acquire(loc, parent, parent); err != nil {
			return err
		}
		loc.parent = true
	}
	if needSelf && !loc.self {
		if err := t.acquire(loc, loc.path, loc.path); err != nil {
			return err
		}
		loc.self = true
	}
	if recursive && !loc.recursive {
		loc.recursive = true
		t.expand(loc, loc.path, loc.path, nil)
	}

	if !recursive && loc.recursive {
		for real := range loc.views {
			if t.isDescendant(loc, real) {
				t.release(loc, real)
			}
		}
		loc.recursive = false
	}
	if !needSelf && loc.self {
		t.release(loc, loc.path)
		loc.self = false
	}
	if !needParent && loc.parent {
		t.release(loc, parent)
		loc.parent = false
	}
	return nil
}

func (t *table) isDescendant(loc *location, real string) bool {
	if real == loc.path {
		return false
	}
	if loc.parent && real == filepath.Dir(loc.path) {
		return false
	}
	return true
}

func (t *table) teardown(loc *location) {
	for real := range loc.views {
		t.release(loc, real)
	}
	loc.parent, loc.self, loc.recursive = false, false, false
	if t.locs[loc.path] == loc {
		delete(t.locs, loc.path)
	}
	for alias := range loc.aliases {
		if t.aliases[alias] == loc {
			delete(t.aliases, alias)
		}
	}
}

func (t *table) viewsAt(real string) []*view {
	v, ok := t.views.Get(real)
	if !ok {
		return nil
	}
	return v.([]*view)
}

// viewsUnder returns the views on dir and on every directory beneath it.
func (t *table) viewsUnder(dir string) []*view {
	vs := append([]*view(nil), t.viewsAt(dir)...)
	t.views.WalkPrefix(dir+string(filepath.Separator), func(_ string, v interface{}) bool {
		vs = append(vs, v.([]*view)...)
		return false
	})
	return vs
}

// acquire registers real as a view of loc, registering it with the backend
// when no other view uses it.
func (t *table) acquire(loc *location, real, visible string) error {
	if _, ok := loc.views[real]; ok {
		return nil
	}
	vs := t.viewsAt(real)
	if len(vs) == 0 {
		if err := t.backend.Add(real); err != nil {
			return err
		}
		t.log.Debug().Str("dir", real).Msg("watching")
	}
	t.views.Insert(real, append(vs, &view{loc: loc, real: real, visible: visible}))
	loc.views[real] = visible
	return nil
}

func (t *table) release(loc *location, real string) {
	if _, ok := loc.views[real]; !ok {
		return
	}
	delete(loc.views, real)

	vs := t.viewsAt(real)
	rest := make([]*view, 0, len(vs))
	for _, v := range vs {
		if v.loc != loc {
			rest = append(rest, v)
		}
	}
	if len(rest) > 0 {
		t.views.Insert(real, rest)
		return
	}
	t.views.Delete(real)
	if err := t.backend.Remove(real); err != nil {
		// the backend drops removed directories by itself
		t.log.Debug().Err(err).Str("dir", real).Msg("unwatch")
	} else {
		t.log.Debug().Str("dir", real).Msg("unwatched")
	}
}

// expand registers every directory beneath real as a view of loc.
//
// Symlinks are followed. A directory is registered once per walk, however
// many links reach it, and directories loc already has are not entered
// again, so cyclic links end the walk. found is called for each entry
// the walk meets.
func (t *table) expand(loc *location, real, visible string, found func(real, visible string, dir bool)) {
	seen := map[string]struct{}{real: {}}
	t.walk(loc, real, visible, seen, found)
}

func (t *table) walk(loc *location, real, visible string, seen map[string]struct{}, found func(string, string, bool)) {
	des, err := os.ReadDir(real)
	if err != nil {
		t.log.Debug().Err(err).Str("dir", real).Msg("read dir")
		return
	}
	for _, de := range des {
		child := filepath.Join(real, de.Name())
		vis := filepath.Join(visible, de.Name())
		dir := de.IsDir()
		if de.Type()&os.ModeSymlink != 0 {
			fi, err := os.Stat(child)
			dir = err == nil && fi.IsDir()
		}
		if found != nil {
			found(child, vis, dir)
		}
		if !dir {
			continue
		}

		canon, err := filepath.EvalSymlinks(child)
		if err != nil {
			continue
		}
		if _, ok := seen[canon]; ok {
			continue
		}
		seen[canon] = struct{}{}
		if _, ok := loc.views[canon]; ok {
			continue
		}
		if err := t.acquire(loc, canon, vis); err != nil {
			t.log.Warn().Err(err).Str("dir", canon).Str("root", loc.path).Msg("cannot watch subdirectory")
			continue
		}
		t.walk(loc, canon, vis, seen, found)
	}
}

// within reports whether path is dir or lies beneath it.
func within(path, dir string) bool {
	if path == dir {
		return true
	}
	if strings.HasSuffix(dir, string(filepath.Separator)) {
		return strings.HasPrefix(path, dir)
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}
