package notification

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makiuchi-d/fsnotice/fspoll"
)

type fakeBackend struct {
	mu     sync.Mutex
	dirs   map[string]int
	fail   map[string]bool
	events []fspoll.Event
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		dirs: make(map[string]int),
		fail: make(map[string]bool),
	}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Add(dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail[dir] {
		return errors.New("cannot watch " + dir)
	}
	b.dirs[dir]++
	return nil
}

func (b *fakeBackend) Remove(dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.dirs[dir]; !ok {
		return fspoll.ErrNonExistentWatch
	}
	delete(b.dirs, dir)
	return nil
}

func (b *fakeBackend) Collect() ([]fspoll.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	evs := b.events
	b.events = nil
	return evs, nil
}

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) push(evs ...fspoll.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evs...)
}

func (b *fakeBackend) watched() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.dirs))
	for name, n := range b.dirs {
		if n != 1 {
			panic("registered twice: " + name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type note struct {
	path  string
	flags Flags
}

type recorder struct {
	mu    sync.Mutex
	notes []note
}

func (r *recorder) FileNotification(path string, flags Flags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note{path, flags})
}

func (r *recorder) take() []note {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.notes
	r.notes = nil
	return n
}

func newTestService(t *testing.T) (*Service, *fakeBackend) {
	b := newFakeBackend()
	s := NewWithBackend(Config{Latency: 0.01}, b)
	t.Cleanup(func() { s.Close() })
	return s, b
}

// tempDir returns a canonical temporary directory.
func tempDir(t *testing.T) string {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func mkdirs(t *testing.T, dirs ...string) {
	for _, d := range dirs {
		require.NoError(t, os.MkdirAll(d, 0755))
	}
}

func TestAddObserverPreconditions(t *testing.T) {
	s, b := newTestService(t)
	dir := tempDir(t)
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	o := &recorder{}

	tests := []struct {
		path string
		wt   WatchType
		ok   bool
	}{
		{filepath.Join(dir, "nodir", "file"), WatchFile, false},
		{filepath.Join(dir, "nodir"), WatchDir, false},
		{filepath.Join(dir, "nodir"), WatchDirRecursive, false},
		{file, WatchDir, false},
		{file, WatchDirRecursive, false},
		{filepath.Join(file, "child"), WatchFile, false},
	}
	for _, test := range tests {
		assert.Equal(t, test.ok, s.AddObserver(o, test.path, test.wt, NotifyAll), "%v %v", test.path, test.wt)
	}
	assert.Equal(t, 0, s.NumberOfObservedLocations())
	assert.Empty(t, b.watched())

	assert.True(t, s.AddObserver(o, filepath.Join(dir, "not-yet"), WatchFile, NotifyAll))
	assert.True(t, s.AddObserver(o, file, WatchFile, NotifyAll))
	assert.True(t, s.AddObserver(o, dir, WatchDir, NotifyAll))
	assert.Equal(t, 3, s.NumberOfObservedLocations())
	assert.Equal(t, []string{dir}, b.watched())
}

func TestAddObserverBackendFailure(t *testing.T) {
	s, b := newTestService(t)
	dir := tempDir(t)
	b.fail[dir] = true

	o := &recorder{}
	assert.False(t, s.AddObserver(o, filepath.Join(dir, "file"), WatchFile, NotifyAll))
	assert.False(t, s.AddObserver(o, dir, WatchDir, NotifyAll))
	assert.Equal(t, 0, s.NumberOfObservedLocations())
	assert.Empty(t, b.watched())
}

func TestRemoveObserverCounts(t *testing.T) {
	s, b := newTestService(t)
	dir := tempDir(t)
	o1, o2 := &recorder{}, &recorder{}
	f1 := filepath.Join(dir, "f1")
	f2 := filepath.Join(dir, "f2")

	s.RemoveObserver(o1, f1) // unknown
	s.RemoveObserver(o1, "relative/nowhere")

	require.True(t, s.AddObserver(o1, f1, WatchFile, NotifyAll))
	require.True(t, s.AddObserver(o2, f1, WatchFile, NotifyAll))
	require.True(t, s.AddObserver(o1, f2, WatchFile, NotifyAll))
	require.True(t, s.AddObserver(o1, dir, WatchDirRecursive, NotifyAll))
	assert.Equal(t, 3, s.NumberOfObservedLocations())

	s.RemoveObserver(o2, f2) // not subscribed there
	assert.Equal(t, 3, s.NumberOfObservedLocations())

	s.RemoveObserver(o1, f1)
	assert.Equal(t, 3, s.NumberOfObservedLocations())
	s.RemoveObserver(o2, f1)
	s.RemoveObserver(o1, f2)
	s.RemoveObserver(o1, dir)
	assert.Equal(t, 0, s.NumberOfObservedLocations())
	assert.Empty(t, b.watched())
}

func TestFlagsMask(t *testing.T) {
	s, b := newTestService(t)
	dir := tempDir(t)
	file := filepath.Join(dir, "file")
	o := &recorder{}
	require.True(t, s.AddObserver(o, file, WatchFile, FileModified))

	b.push(fspoll.Event{Name: file, Op: fspoll.Create})
	s.runCycle()
	assert.Empty(t, o.take(), "masked out")

	b.push(fspoll.Event{Name: file, Op: fspoll.Create | fspoll.Write})
	s.runCycle()
	assert.Equal(t, []note{{file, FileModified}}, o.take())

	b.push(fspoll.Event{Name: file, Op: fspoll.Chmod})
	s.runCycle()
	assert.Equal(t, []note{{file, FileModified}}, o.take())
}

func TestReaddReplacesFlags(t *testing.T) {
	s, b := newTestService(t)
	dir := tempDir(t)
	file := filepath.Join(dir, "file")
	o := &recorder{}
	require.True(t, s.AddObserver(o, file, WatchFile, FileCreated))
	require.True(t, s.AddObserver(o, file, WatchFile, FileModified))
	assert.Equal(t, 1, s.NumberOfObservedLocations())

	b.push(fspoll.Event{Name: file, Op: fspoll.Create}, fspoll.Event{Name: file, Op: fspoll.Write})
	s.runCycle()
	assert.Equal(t, []note{{file, FileModified}}, o.take())

	s.RemoveObserver(o, file)
	assert.Equal(t, 0, s.NumberOfObservedLocations())
}

func TestCoalescing(t *testing.T) {
	s, b := newTestService(t)
	dir := tempDir(t)
	file := filepath.Join(dir, "file")
	fo, do := &recorder{}, &recorder{}
	require.True(t, s.AddObserver(fo, file, WatchFile, NotifyAll))
	require.True(t, s.AddObserver(do, dir, WatchDir, NotifyAll))

	b.push(
		fspoll.Event{Name: file, Op: fspoll.Create},
		fspoll.Event{Name: file, Op: fspoll.Write},
		fspoll.Event{Name: file, Op: fspoll.Write},
		fspoll.Event{Name: file, Op: fspoll.Chmod},
	)
	s.runCycle()
	assert.Equal(t, []note{{file, FileCreated | FileModified}}, fo.take())
	assert.Equal(t, []note{
		{file, FileCreated | FileModified},
		{dir, DirModified},
	}, do.take())
}

func TestDeleteTearsDownLocation(t *testing.T) {
	s, b := newTestService(t)
	dir := tempDir(t)
	file := filepath.Join(dir, "file")
	o := &recorder{}
	require.True(t, s.AddObserver(o, file, WatchFile, NotifyAll))

	b.push(fspoll.Event{Name: file, Op: fspoll.Write}, fspoll.Event{Name: file, Op: fspoll.Remove})
	s.runCycle()
	assert.Equal(t, []note{{file, FileModified | FileDeleted}}, o.take())
	assert.Equal(t, 0, s.NumberOfObservedLocations())
	assert.Empty(t, b.watched())

	b.push(fspoll.Event{Name: file, Op: fspoll.Create})
	s.runCycle()
	assert.Empty(t, o.take())

	s.RemoveObserver(o, file) // already gone
}

func TestDeleteWatchedDirectory(t *testing.T) {
	s, b := newTestService(t)
	dir := filepath.Join(tempDir(t), "dir")
	mkdirs(t, dir)
	o := &recorder{}
	require.True(t, s.AddObserver(o, dir, WatchDir, DirDeleted))

	require.NoError(t, os.Remove(dir))
	b.push(fspoll.Event{Name: dir, Op: fspoll.Remove, Dir: true})
	s.runCycle()
	assert.Equal(t, []note{{dir, DirDeleted}}, o.take())
	assert.Equal(t, 0, s.NumberOfObservedLocations())
	assert.Empty(t, b.watched())
}

func TestDeleteParentOfWatchedFile(t *testing.T) {
	s, b := newTestService(t)
	dir := filepath.Join(tempDir(t), "dir")
	mkdirs(t, dir)
	f := filepath.Join(dir, "f")
	g := filepath.Join(dir, "g")
	require.NoError(t, os.WriteFile(f, nil, 0644))
	o := &recorder{}
	require.True(t, s.AddObserver(o, f, WatchFile, NotifyAll))
	require.True(t, s.AddObserver(o, g, WatchFile, NotifyAll), "not created yet")
	assert.Equal(t, []string{dir}, b.watched())

	require.NoError(t, os.RemoveAll(dir))
	b.push(fspoll.Event{Name: dir, Op: fspoll.Remove, Dir: true})
	s.runCycle()
	assert.Empty(t, o.take())
	assert.Equal(t, 0, s.NumberOfObservedLocations())
	assert.Empty(t, b.watched())

	t.Log("the entries reported before the directory")
	mkdirs(t, dir)
	require.NoError(t, os.WriteFile(f, nil, 0644))
	require.True(t, s.AddObserver(o, f, WatchFile, NotifyAll))
	require.NoError(t, os.RemoveAll(dir))
	b.push(
		fspoll.Event{Name: f, Op: fspoll.Remove},
		fspoll.Event{Name: dir, Op: fspoll.Remove, Dir: true},
	)
	s.runCycle()
	assert.Equal(t, []note{{f, FileDeleted}}, o.take())
	assert.Equal(t, 0, s.NumberOfObservedLocations())
	assert.Empty(t, b.watched())
}

func TestParentRecreatedKeepsFileWatch(t *testing.T) {
	s, b := newTestService(t)
	dir := filepath.Join(tempDir(t), "dir")
	mkdirs(t, dir)
	f := filepath.Join(dir, "f")
	o := &recorder{}
	require.True(t, s.AddObserver(o, f, WatchFile, NotifyAll))

	// removed and made again before the cycle runs
	require.NoError(t, os.Remove(dir))
	mkdirs(t, dir)
	b.push(fspoll.Event{Name: dir, Op: fspoll.Remove, Dir: true})
	s.runCycle()
	assert.Equal(t, 1, s.NumberOfObservedLocations())
	assert.Equal(t, []string{dir}, b.watched())
}

func TestNestedDirWatchesAreIndependent(t *testing.T) {
	s, b := newTestService(t)
	root := tempDir(t)
	a := filepath.Join(root, "a")
	mkdirs(t, a)
	outer, inner := &recorder{}, &recorder{}
	require.True(t, s.AddObserver(outer, root, WatchDir, NotifyAll))
	require.True(t, s.AddObserver(inner, a, WatchDir, NotifyAll))

	x := filepath.Join(a, "x")
	b.push(fspoll.Event{Name: x, Op: fspoll.Create})
	s.runCycle()
	assert.Empty(t, outer.take(), "a grandchild is out of scope")
	assert.Equal(t, []note{{x, FileCreated}, {a, DirModified}}, inner.take())

	t.Log("the same change without the inner observer")
	s.RemoveObserver(inner, a)
	b.push(fspoll.Event{Name: x, Op: fspoll.Write})
	s.runCycle()
	assert.Empty(t, outer.take())

	t.Log("a change of the child itself")
	b.push(fspoll.Event{Name: a, Op: fspoll.Chmod, Dir: true})
	s.runCycle()
	assert.Equal(t, []note{{a, DirModified}, {root, DirModified}}, outer.take())
}

func TestDirWatchIsNotRecursive(t *testing.T) {
	s, b := newTestService(t)
	dir := tempDir(t)
	sub := filepath.Join(dir, "sub")
	mkdirs(t, sub)
	o := &recorder{}
	require.True(t, s.AddObserver(o, dir, WatchDir, FileCreated|DirCreated))
	assert.Equal(t, []string{dir}, b.watched())

	b.push(
		fspoll.Event{Name: filepath.Join(dir, "x"), Op: fspoll.Create},
		fspoll.Event{Name: filepath.Join(sub, "y"), Op: fspoll.Create},
		fspoll.Event{Name: filepath.Join(dir, "newdir"), Op: fspoll.Create, Dir: true},
	)
	s.runCycle()
	assert.Equal(t, []note{
		{filepath.Join(dir, "x"), FileCreated},
		{filepath.Join(dir, "newdir"), DirCreated},
	}, o.take())
	assert.Equal(t, []string{dir}, b.watched(), "a non-recursive watch does not grow")
}

func TestRecursiveWatch(t *testing.T) {
	s, b := newTestService(t)
	root := tempDir(t)
	mkdirs(t, filepath.Join(root, "a", "b"))
	o := &recorder{}
	require.True(t, s.AddObserver(o, root, WatchDirRecursive, NotifyAll))
	assert.Equal(t, 1, s.NumberOfObservedLocations())
	assert.Equal(t, []string{
		root,
		filepath.Join(root, "a"),
		filepath.Join(root, "a", "b"),
	}, b.watched())

	t.Log("create a tree the backend has not seen yet")
	c := filepath.Join(root, "c")
	d := filepath.Join(c, "d")
	f := filepath.Join(d, "f")
	mkdirs(t, d)
	require.NoError(t, os.WriteFile(f, []byte("a"), 0644))
	b.push(fspoll.Event{Name: c, Op: fspoll.Create, Dir: true})
	s.runCycle()

	assert.Equal(t, []note{
		{c, DirCreated | DirModified},
		{root, DirModified},
		{d, DirCreated | DirModified},
		{f, FileCreated},
	}, o.take())
	assert.Contains(t, b.watched(), d)
	assert.Equal(t, 1, s.NumberOfObservedLocations(), "descendants are not counted")

	t.Log("events deep in the tree")
	b.push(fspoll.Event{Name: f, Op: fspoll.Write})
	s.runCycle()
	assert.Equal(t, []note{{f, FileModified}, {d, DirModified}, {c, DirModified}, {root, DirModified}}, o.take())

	t.Log("delete a subtree")
	require.NoError(t, os.RemoveAll(c))
	b.push(fspoll.Event{Name: c, Op: fspoll.Remove, Dir: true})
	s.runCycle()
	assert.Equal(t, []note{{c, DirDeleted}, {root, DirModified}}, o.take())
	assert.Equal(t, []string{
		root,
		filepath.Join(root, "a"),
		filepath.Join(root, "a", "b"),
	}, b.watched())

	s.RemoveObserver(o, root)
	assert.Equal(t, 0, s.NumberOfObservedLocations())
	assert.Empty(t, b.watched())
}

func TestRecursiveModifiedReachesRoot(t *testing.T) {
	s, b := newTestService(t)
	root := tempDir(t)
	a := filepath.Join(root, "a")
	mkdirs(t, a)
	o := &recorder{}
	require.True(t, s.AddObserver(o, root, WatchDirRecursive, DirModified|FileCreated|DirCreated))

	bdir := filepath.Join(a, "b")
	f := filepath.Join(bdir, "f")
	mkdirs(t, bdir)
	require.NoError(t, os.WriteFile(f, nil, 0644))
	b.push(fspoll.Event{Name: bdir, Op: fspoll.Create, Dir: true})
	s.runCycle()
	assert.Equal(t, []note{
		{bdir, DirCreated | DirModified},
		{a, DirModified},
		{root, DirModified},
		{f, FileCreated},
	}, o.take())

	t.Log("a non-recursive observer of the same root")
	d := &recorder{}
	require.True(t, s.AddObserver(d, root, WatchDir, NotifyAll))
	b.push(fspoll.Event{Name: f, Op: fspoll.Write})
	s.runCycle()
	assert.Equal(t, []note{{bdir, DirModified}, {a, DirModified}, {root, DirModified}}, o.take())
	assert.Empty(t, d.take())
}

func TestRecursiveSymlinkCycle(t *testing.T) {
	s, b := newTestService(t)
	root := tempDir(t)
	a := filepath.Join(root, "a")
	mkdirs(t, a)
	require.NoError(t, os.Symlink(root, filepath.Join(a, "loop")))
	require.NoError(t, os.Symlink(a, filepath.Join(root, "alias")))

	o := &recorder{}
	done := make(chan bool)
	go func() { done <- s.AddObserver(o, root, WatchDirRecursive, NotifyAll) }()
	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("walk does not terminate")
	}

	// watched() panics on a directory registered twice
	assert.Equal(t, []string{root, a}, b.watched())

	t.Log("a link to an ancestor created later")
	b.push(fspoll.Event{Name: filepath.Join(a, "loop2"), Op: fspoll.Create, Dir: true})
	require.NoError(t, os.Symlink(root, filepath.Join(a, "loop2")))
	s.runCycle()
	assert.Equal(t, []string{root, a}, b.watched())
}

func TestRecursiveThroughSymlink(t *testing.T) {
	s, b := newTestService(t)
	r1 := tempDir(t)
	r2 := tempDir(t)
	link := filepath.Join(r1, "link")
	require.NoError(t, os.Symlink(r2, link))

	o1, o2 := &recorder{}, &recorder{}
	require.True(t, s.AddObserver(o1, r1, WatchDirRecursive, NotifyAll))
	require.True(t, s.AddObserver(o2, r2, WatchDirRecursive, NotifyAll))
	assert.ElementsMatch(t, []string{r1, r2}, b.watched())

	x := filepath.Join(r2, "x")
	b.push(fspoll.Event{Name: x, Op: fspoll.Create})
	s.runCycle()
	assert.Equal(t, []note{
		{filepath.Join(link, "x"), FileCreated},
		{link, DirModified},
		{r1, DirModified},
	}, o1.take())
	assert.Equal(t, []note{{x, FileCreated}, {r2, DirModified}}, o2.take())

	t.Log("the other tree stays watched without the link")
	s.RemoveObserver(o1, r1)
	assert.Equal(t, []string{r2}, b.watched())
}

func TestRemovedLinkReleasesTarget(t *testing.T) {
	s, b := newTestService(t)
	root := tempDir(t)
	target := tempDir(t)
	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(target, link))

	o := &recorder{}
	require.True(t, s.AddObserver(o, root, WatchDirRecursive, NotifyAll))
	assert.ElementsMatch(t, []string{root, target}, b.watched())

	require.NoError(t, os.Remove(link))
	b.push(fspoll.Event{Name: link, Op: fspoll.Remove, Dir: true})
	s.runCycle()
	assert.Equal(t, []note{{link, DirDeleted}, {root, DirModified}}, o.take())
	assert.Equal(t, []string{root}, b.watched())
}

func TestChangeWatchType(t *testing.T) {
	s, b := newTestService(t)
	root := tempDir(t)
	sub := filepath.Join(root, "sub")
	mkdirs(t, sub)
	o := &recorder{}

	require.True(t, s.AddObserver(o, root, WatchDirRecursive, NotifyAll))
	assert.Equal(t, []string{root, sub}, b.watched())
	require.True(t, s.AddObserver(o, root, WatchDir, NotifyAll))
	assert.Equal(t, []string{root}, b.watched())
	require.True(t, s.AddObserver(o, root, WatchFile, NotifyAll))
	assert.Equal(t, []string{filepath.Dir(root)}, b.watched())
	assert.Equal(t, 1, s.NumberOfObservedLocations())
}

func TestObserverMayUnsubscribeInCallback(t *testing.T) {
	s, b := newTestService(t)
	dir := tempDir(t)
	file := filepath.Join(dir, "file")

	var o Observer
	calls := 0
	o = ObserverFunc(func(path string, flags Flags) {
		calls++
		s.RemoveObserver(o, path)
	})
	require.True(t, s.AddObserver(o, file, WatchFile, NotifyAll))

	b.push(fspoll.Event{Name: file, Op: fspoll.Write})
	s.runCycle()
	b.push(fspoll.Event{Name: file, Op: fspoll.Write})
	s.runCycle()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, s.NumberOfObservedLocations())
}

func TestObserverPanic(t *testing.T) {
	s, b := newTestService(t)
	dir := tempDir(t)
	file := filepath.Join(dir, "file")

	bad := ObserverFunc(func(string, Flags) { panic("boom") })
	good := &recorder{}
	require.True(t, s.AddObserver(bad, file, WatchFile, NotifyAll))
	require.True(t, s.AddObserver(good, file, WatchFile, NotifyAll))

	b.push(fspoll.Event{Name: file, Op: fspoll.Write})
	assert.NotPanics(t, s.runCycle)
	assert.Equal(t, []note{{file, FileModified}}, good.take())
}

func TestManyObservers(t *testing.T) {
	s, b := newTestService(t)
	dir := tempDir(t)
	file := filepath.Join(dir, "file")

	obs := make([]*recorder, 200)
	for i := range obs {
		obs[i] = &recorder{}
		require.True(t, s.AddObserver(obs[i], file, WatchFile, NotifyAll))
	}
	assert.Equal(t, 1, s.NumberOfObservedLocations())

	b.push(fspoll.Event{Name: file, Op: fspoll.Write})
	s.runCycle()
	for _, o := range obs {
		assert.Equal(t, []note{{file, FileModified}}, o.take())
		s.RemoveObserver(o, file)
	}
	assert.Equal(t, 0, s.NumberOfObservedLocations())
	assert.Empty(t, b.watched())
}

func TestWaitTillFinishedRun(t *testing.T) {
	s, b := newTestService(t)
	dir := tempDir(t)
	file := filepath.Join(dir, "file")
	o := &recorder{}
	require.True(t, s.AddObserver(o, file, WatchFile, NotifyAll))

	s.WaitTillFinishedRun() // not running

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.SetPollPeriod(1), ErrRunning)

	b.push(fspoll.Event{Name: file, Op: fspoll.Write})
	s.WaitTillFinishedRun()
	assert.Equal(t, []note{{file, FileModified}}, o.take())

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	b.push(fspoll.Event{Name: file, Op: fspoll.Chmod})
	s.WaitTillFinishedRun()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, o.take(), "no notification after Stop")

	require.NoError(t, s.Start())
	s.WaitTillFinishedRun()
	assert.Equal(t, []note{{file, FileModified}}, o.take())

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Start(), ErrClosed)
}
