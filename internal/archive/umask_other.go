//go:build !unix

package archive

import "io/fs"

func extractPerm(hdrMode int64) fs.FileMode { return fs.FileMode(hdrMode).Perm() }
