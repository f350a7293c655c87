package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/islishude/sett/internal/compress"
	"github.com/islishude/sett/internal/progress"
)

type WriteOptions struct {
	Compression compress.Type
	// Level follows compress.WriterOptions; nil selects the default.
	Level    *int
	Progress *progress.Tracker
}

// WriteTar streams entries into dst. Every name is validated before the
// first byte is written.
func WriteTar(ctx context.Context, dst io.Writer, entries []Entry, opts WriteOptions) (retErr error) {
	written := 0
	defer func() {
		if retErr == nil {
			return
		}
		for _, e := range entries[written:] {
			_ = e.discard()
		}
	}()
	if err := validateEntries(entries); err != nil {
		return err
	}
	comp := opts.Compression
	if comp == "" {
		comp = compress.None
	}
	cw, err := compress.NewWriter(compress.NopCloser(dst), comp, compress.WriterOptions{Level: opts.Level})
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		written++
		if err := e.write(tw, opts.Progress); err != nil {
			return fmt.Errorf("writing %s: %w", e.ArchiveName(), err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar writer: %w", err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("closing compressor: %w", err)
	}
	return nil
}

// WriteTarFile writes entries to a new file at path, then re-reads it and
// checks that the member set matches what was requested. The file is
// removed on any failure.
func WriteTarFile(ctx context.Context, path string, entries []Entry, opts WriteOptions) (retErr error) {
	if err := validateEntries(entries); err != nil {
		for _, e := range entries {
			_ = e.discard()
		}
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		for _, e := range entries {
			_ = e.discard()
		}
		return err
	}
	defer func() {
		if retErr != nil {
			_ = os.Remove(path)
		}
	}()
	if err := WriteTar(ctx, f, entries, opts); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	got, err := ListMembers(path)
	if err != nil {
		return fmt.Errorf("verifying %s: %w", path, err)
	}
	want := make([]string, 0, len(entries))
	for _, e := range entries {
		want = append(want, memberKey(e.ArchiveName()))
	}
	for i := range got {
		got[i] = memberKey(got[i])
	}
	slices.Sort(got)
	slices.Sort(want)
	if !slices.Equal(got, want) {
		return fmt.Errorf("verifying %s: archive holds [%s], expected [%s]", path, strings.Join(got, ", "), strings.Join(want, ", "))
	}
	return nil
}

var errDuplicateMember = errors.New("duplicate member")

func validateEntries(entries []Entry) error {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		name := e.ArchiveName()
		if err := ValidatePath(name); err != nil {
			return err
		}
		key := memberKey(name)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: %s", errDuplicateMember, name)
		}
		seen[key] = struct{}{}
	}
	return nil
}
