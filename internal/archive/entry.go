package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/islishude/sett/internal/progress"
)

// Entry is one member to be written by WriteTar.
type Entry interface {
	ArchiveName() string
	write(tw *tar.Writer, tracker *progress.Tracker) error
	discard() error
}

// FileEntry is a member read from a local file opened at write time.
type FileEntry struct {
	Name string
	Path string
}

func (e FileEntry) ArchiveName() string { return e.Name }

func (e FileEntry) write(tw *tar.Writer, tracker *progress.Tracker) (err error) {
	f, err := os.Open(e.Path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", e.Path)
	}
	hdr, err := tar.FileInfoHeader(st, "")
	if err != nil {
		return err
	}
	hdr.Name = e.Name
	hdr.Format = tar.FormatPAX
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	n, err := io.Copy(tw, progress.Reader(f, tracker))
	if err != nil {
		return err
	}
	if n != hdr.Size {
		return fmt.Errorf("%s changed size while archiving (%d != %d)", e.Path, n, hdr.Size)
	}
	return nil
}

func (FileEntry) discard() error { return nil }

// ReaderEntry is a member backed by an already open stream. The writer owns
// Body and closes it whether or not the write succeeds.
type ReaderEntry struct {
	Name string
	Body io.ReadCloser
	Size int64
	Mode int64
}

func (e ReaderEntry) ArchiveName() string { return e.Name }

func (e ReaderEntry) write(tw *tar.Writer, tracker *progress.Tracker) (err error) {
	defer func() {
		if cerr := e.Body.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	mode := e.Mode
	if mode == 0 {
		mode = 0o644
	}
	hdr := &tar.Header{
		Name:     e.Name,
		Mode:     mode,
		Size:     e.Size,
		Typeflag: tar.TypeReg,
		ModTime:  time.Now(),
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	n, err := io.Copy(tw, progress.Reader(e.Body, tracker))
	if err != nil {
		return err
	}
	if n != e.Size {
		return fmt.Errorf("member %s: wrote %d bytes, expected %d", e.Name, n, e.Size)
	}
	return nil
}

func (e ReaderEntry) discard() error { return e.Body.Close() }

// MemoryEntry is a member held entirely in memory.
type MemoryEntry struct {
	Name string
	Data []byte
}

func (e MemoryEntry) ArchiveName() string { return e.Name }

func (e MemoryEntry) write(tw *tar.Writer, _ *progress.Tracker) error {
	hdr := &tar.Header{
		Name:     e.Name,
		Mode:     0o644,
		Size:     int64(len(e.Data)),
		Typeflag: tar.TypeReg,
		ModTime:  time.Now(),
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(e.Data)
	return err
}

func (MemoryEntry) discard() error { return nil }

// DirEntry is an explicit directory member, used for empty directories.
type DirEntry struct {
	Name string
}

func (e DirEntry) ArchiveName() string { return e.Name }

func (e DirEntry) write(tw *tar.Writer, _ *progress.Tracker) error {
	return tw.WriteHeader(&tar.Header{
		Name:     memberKey(e.Name) + "/",
		Mode:     0o755,
		Typeflag: tar.TypeDir,
		ModTime:  time.Now(),
		Format:   tar.FormatPAX,
	})
}

func (DirEntry) discard() error { return nil }
