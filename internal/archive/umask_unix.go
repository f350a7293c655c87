//go:build unix

package archive

import (
	"io/fs"
	"sync"

	"golang.org/x/sys/unix"
)

// processUmask can only be read by setting it, so it is read once.
var processUmask = sync.OnceValue(func() fs.FileMode {
	old := unix.Umask(0o022)
	unix.Umask(old)
	return fs.FileMode(old)
})

// extractPerm masks the permission bits of a tar header the way open(2)
// would for a file created by this process.
func extractPerm(hdrMode int64) fs.FileMode {
	return fs.FileMode(hdrMode).Perm() &^ processUmask()
}
