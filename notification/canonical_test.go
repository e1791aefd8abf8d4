package notification

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	base := tempDir(t)
	dir := filepath.Join(base, "dir")
	file := filepath.Join(dir, "file")
	link := filepath.Join(base, "link")
	mkdirs(t, dir)
	require.NoError(t, os.WriteFile(file, nil, 0644))
	require.NoError(t, os.Symlink(dir, link))

	tests := []struct {
		path string
		wt   WatchType
		exp  string
		ok   bool
	}{
		{dir, WatchDir, dir, true},
		{dir + "/./", WatchDirRecursive, dir, true},
		{link, WatchDir, dir, true},
		{filepath.Join(link, "file"), WatchFile, file, true},
		{filepath.Join(link, "new"), WatchFile, filepath.Join(dir, "new"), true},
		{filepath.Join(dir, "..", "dir", "file"), WatchFile, file, true},
		{file, WatchDir, "", false},
		{filepath.Join(base, "none"), WatchDir, "", false},
		{filepath.Join(base, "none", "file"), WatchFile, "", false},
		{filepath.Join(file, "file"), WatchFile, "", false},
	}
	for _, test := range tests {
		p, ok := canonicalize(test.path, test.wt)
		assert.Equal(t, test.ok, ok, test.path)
		assert.Equal(t, test.exp, p, test.path)
	}
}

func TestCanonicalizeRelative(t *testing.T) {
	base := tempDir(t)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(base))
	t.Cleanup(func() { os.Chdir(wd) })
	mkdirs(t, "sub")

	p, ok := canonicalize("sub", WatchDir)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(base, "sub"), p)

	assert.Equal(t, filepath.Join(base, "sub", "gone", "x"), canonicalizeLoose("sub/gone/x"))
}

func TestWithin(t *testing.T) {
	tests := []struct {
		path, dir string
		exp       bool
	}{
		{"/a/b", "/a/b", true},
		{"/a/b/c", "/a/b", true},
		{"/a/bc", "/a/b", false},
		{"/a", "/a/b", false},
		{"/a", "/", true},
	}
	for _, test := range tests {
		assert.Equal(t, test.exp, within(test.path, test.dir), "%v in %v", test.path, test.dir)
	}
}
