package notification

import (
	"os"
	"path/filepath"
)

// canonicalize resolves path to its absolute, symlink-free form and checks
// the preconditions of the watch type: the parent directory of a file must
// exist, a watched directory must exist and be a directory.
func canonicalize(path string, wt WatchType) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}

	if wt == WatchFile {
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			return real, true
		}
		// not created yet (or a dangling link): watch the name in its parent
		parent, err := filepath.EvalSymlinks(filepath.Dir(abs))
		if err != nil {
			return "", false
		}
		if fi, err := os.Stat(parent); err != nil || !fi.IsDir() {
			return "", false
		}
		return filepath.Join(parent, filepath.Base(abs)), true
	}

	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", false
	}
	if fi, err := os.Stat(real); err != nil || !fi.IsDir() {
		return "", false
	}
	return real, true
}

// canonicalizeLoose is canonicalize for paths which may not exist anymore.
// The longest existing prefix is resolved and the rest is appended as is.
func canonicalizeLoose(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return resolvePrefix(abs)
}

func resolvePrefix(abs string) string {
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	dir := filepath.Dir(abs)
	if dir == abs {
		return abs
	}
	return filepath.Join(resolvePrefix(dir), filepath.Base(abs))
}
