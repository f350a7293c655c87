package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/islishude/sett/internal/compress"
)

// Package member names. A package holds exactly these three members.
const (
	MetadataFile  = "metadata.json"
	SignatureFile = "metadata.json.sig"
	DataFile      = "data.tar.gz.gpg"
)

// Inner payload layout.
const (
	ChecksumFile = "checksum.sha256"
	ContentDir   = "content"
)

var PackageMembers = []string{MetadataFile, SignatureFile, DataFile}

var ErrEmptyArchive = errors.New("archive is empty")

// ShapeError lists how a package deviates from the three member contract.
type ShapeError struct {
	Path    string
	Missing []string
	Extra   []string
}

func (e *ShapeError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, "unexpected "+strings.Join(e.Extra, ", "))
	}
	return fmt.Sprintf("invalid package %s: %s", e.Path, strings.Join(parts, "; "))
}

// ListMembers returns member names in archive order. Compressed outer
// archives are detected automatically.
func ListMembers(path string) ([]string, error) {
	var names []string
	err := scan(path, func(hdr *tar.Header, _ io.Reader) (bool, error) {
		names = append(names, hdr.Name)
		return false, nil
	})
	return names, err
}

// CheckPackage verifies the member set of the package at path is exactly
// PackageMembers.
func CheckPackage(path string) error {
	names, err := ListMembers(path)
	if err != nil {
		return fmt.Errorf("reading package %s: %w", path, err)
	}
	if len(names) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyArchive, path)
	}
	for _, n := range names {
		if err := ValidatePath(n); err != nil {
			return fmt.Errorf("package %s: %w", path, err)
		}
	}
	shape := &ShapeError{Path: path}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		key := memberKey(n)
		if seen[key] || !slices.Contains(PackageMembers, key) {
			shape.Extra = append(shape.Extra, n)
		}
		seen[key] = true
	}
	for _, m := range PackageMembers {
		if !seen[m] {
			shape.Missing = append(shape.Missing, m)
		}
	}
	if len(shape.Missing) > 0 || len(shape.Extra) > 0 {
		return shape
	}
	return nil
}

// scan walks the archive until fn reports done or the archive ends.
func scan(path string, fn func(hdr *tar.Header, r io.Reader) (bool, error)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	cr, _, err := compress.NewReader(f, compress.Auto, path)
	if err != nil {
		_ = f.Close()
		return err
	}
	defer cr.Close() //nolint:errcheck

	tr := tar.NewReader(cr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil && !insecureHeader(hdr, err) {
			return err
		}
		done, err := fn(hdr, tr)
		if err != nil || done {
			return err
		}
	}
}

// insecureHeader reports whether err only flags an unsafe name on an
// otherwise readable header. Such names are rejected by ValidatePath.
func insecureHeader(hdr *tar.Header, err error) bool {
	return hdr != nil && errors.Is(err, tar.ErrInsecurePath)
}
