//go:build !linux && !darwin

package pathvfs

import "os"

// fillPlatformInfo synthesizes Nlink/UID/GID on platforms without a POSIX
// stat (Windows, plan9, ...): a single link, and a nominal owner/group of
// 0. This keeps the LIST formatter platform-agnostic — it never needs to
// know it is running somewhere without real Unix ownership.
func fillPlatformInfo(fi *FileInfo, _ string, _ os.FileInfo) {
	fi.Nlink = 1
	fi.UID = 0
	fi.GID = 0
}
