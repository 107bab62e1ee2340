//go:build linux || darwin

package pathvfs

import (
	"os"

	"golang.org/x/sys/unix"
)

// fillPlatformInfo populates Nlink/UID/GID from a real POSIX stat via
// golang.org/x/sys/unix rather than the runtime's syscall.Stat_t, so the
// façade's platform dependency is the same library the rest of the module
// already carries.
func fillPlatformInfo(fi *FileInfo, path string, _ os.FileInfo) {
	var stat unix.Stat_t
	if err := unix.Lstat(path, &stat); err != nil {
		return
	}
	fi.Nlink = uint32(stat.Nlink)
	fi.UID = stat.Uid
	fi.GID = stat.Gid
}
