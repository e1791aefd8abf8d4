package notification

import (
	"fmt"
	"strings"

	"golang.org/x/xerrors"
)

// Flags is a bitmask of change kinds.
type Flags uint32

const (
	FileCreated Flags = 1 << iota
	FileModified
	FileDeleted
	DirCreated
	DirModified
	DirDeleted

	NotifyAll = FileCreated | FileModified | FileDeleted | DirCreated | DirModified | DirDeleted
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FileCreated, "FILE_CREATED"},
	{FileModified, "FILE_MODIFIED"},
	{FileDeleted, "FILE_DELETED"},
	{DirCreated, "DIR_CREATED"},
	{DirModified, "DIR_MODIFIED"},
	{DirDeleted, "DIR_DELETED"},
}

// Has reports whether f contains any of the bits in g.
func (f Flags) Has(g Flags) bool {
	return f&g != 0
}

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	names := make([]string, 0, len(flagNames)+1)
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	if rest := f &^ NotifyAll; rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(names, "|")
}

// ParseFlags parses flag names such as "FILE_CREATED" or "modified".
// Short forms select both the file and the directory flag:
// CREATED, MODIFIED, DELETED; ALL and NOTIFY_ALL select everything.
func ParseFlags(names []string) (Flags, error) {
	var f Flags
	for _, name := range names {
		for _, n := range strings.Split(name, "|") {
			switch n = strings.ToUpper(strings.TrimSpace(n)); n {
			case "ALL", "NOTIFY_ALL", "FS_NOTIFY_ALL":
				f |= NotifyAll
			case "CREATED", "CREATE":
				f |= FileCreated | DirCreated
			case "MODIFIED", "WRITE":
				f |= FileModified | DirModified
			case "DELETED", "REMOVE":
				f |= FileDeleted | DirDeleted
			default:
				flag, ok := lookupFlag(strings.TrimPrefix(n, "FS_"))
				if !ok {
					return 0, xerrors.Errorf("invalid notification flag: %s", n)
				}
				f |= flag
			}
		}
	}
	return f, nil
}

func lookupFlag(name string) (Flags, bool) {
	for _, fn := range flagNames {
		if fn.name == name {
			return fn.flag, true
		}
	}
	return 0, false
}

// WatchType selects what a subscription covers.
type WatchType int

const (
	// WatchFile covers a single file, which does not have to exist yet.
	WatchFile WatchType = iota
	// WatchDir covers a directory and its direct children.
	WatchDir
	// WatchDirRecursive covers a directory and everything beneath it,
	// including directories reached through symlinks.
	WatchDirRecursive
)

func (wt WatchType) String() string {
	switch wt {
	case WatchFile:
		return "WATCH_FILE"
	case WatchDir:
		return "WATCH_DIR"
	case WatchDirRecursive:
		return "WATCH_DIR_RECURSIVE"
	}
	return "WATCH_UNKNOWN"
}

// ParseWatchType parses "file", "dir" or "recursive" (or the WATCH_ names).
func ParseWatchType(s string) (WatchType, error) {
	switch strings.TrimPrefix(strings.ToUpper(s), "WATCH_") {
	case "FILE":
		return WatchFile, nil
	case "DIR":
		return WatchDir, nil
	case "DIR_RECURSIVE", "RECURSIVE":
		return WatchDirRecursive, nil
	}
	return 0, xerrors.Errorf("invalid watch type: %s", s)
}
