package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// MissingError lists extracted paths that are absent on disk.
type MissingError struct {
	Paths []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("extracted content is incomplete, missing: %s", strings.Join(e.Paths, ", "))
}

// UnpackFromStream extracts the tar stream r below dest. Every member name
// is validated before anything is written for it, and the relative name of
// each extracted member is appended to accum. Only directories and regular
// files are accepted.
func UnpackFromStream(ctx context.Context, r io.Reader, dest string, accum *[]string) error {
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil && !insecureHeader(hdr, err) {
			return fmt.Errorf("reading payload: %w", err)
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		mode := extractPerm(hdr.Mode)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeMember(target, tr, hdr.Size, mode); err != nil {
				return fmt.Errorf("extracting %s: %w", hdr.Name, err)
			}
		default:
			return fmt.Errorf("refusing to extract %s: unsupported entry type %q", hdr.Name, hdr.Typeflag)
		}
		if !hdr.ModTime.IsZero() {
			_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
		}
		if accum != nil {
			*accum = append(*accum, memberKey(hdr.Name))
		}
	}
}

func writeMember(target string, r io.Reader, size int64, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode|0o600)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, io.LimitReader(r, size))
	cerr := f.Close()
	if err != nil {
		return err
	}
	if n != size {
		return io.ErrUnexpectedEOF
	}
	return cerr
}

// CheckExtracted fails when any of paths, relative to dest, does not exist.
func CheckExtracted(dest string, paths []string) error {
	var missing []string
	for _, p := range paths {
		if _, err := os.Lstat(filepath.Join(dest, filepath.FromSlash(p))); err != nil {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return &MissingError{Paths: missing}
	}
	return nil
}
