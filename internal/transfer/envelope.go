package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"

	"github.com/dustin/go-humanize"

	"github.com/islishude/sett/internal/progress"
)

type remoteInfo struct {
	Size  int64
	IsDir bool
}

// remoteFS is the subset of file operations the envelope protocol needs.
// Implementations report missing paths with fs.ErrNotExist and refused
// writes with fs.ErrPermission.
type remoteFS interface {
	Stat(ctx context.Context, p string) (remoteInfo, error)
	Mkdir(ctx context.Context, p string) error
	Put(ctx context.Context, local File, remote string, tracker *progress.Tracker) error
	Rename(ctx context.Context, from, to string) error
	Remove(ctx context.Context, p string) error
	Touch(ctx context.Context, p string) error
}

// uploadEnvelope runs the envelope protocol against rfs and returns the
// remote envelope directory.
//
// A failed file aborts the batch. Files already renamed stay in place and
// done.txt is not written; its absence marks the envelope as incomplete.
func uploadEnvelope(ctx context.Context, rfs remoteFS, destDir, envelope string, files []File, tracker *progress.Tracker, log *slog.Logger) (string, error) {
	info, err := rfs.Stat(ctx, destDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("%w: %s", ErrDestinationMissing, destDir)
	case err != nil:
		return "", fmt.Errorf("checking destination %s: %w", destDir, err)
	case !info.IsDir:
		return "", fmt.Errorf("%w: %s is not a directory", ErrDestinationMissing, destDir)
	}

	dir := path.Join(destDir, envelope)
	if err := rfs.Mkdir(ctx, dir); err != nil {
		switch {
		case errors.Is(err, fs.ErrPermission):
			return "", fmt.Errorf("%w: cannot create %s", ErrDestinationNotWritable, dir)
		case errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("%w: %s", ErrDestinationMissing, destDir)
		case errors.Is(err, fs.ErrExist):
			return "", fmt.Errorf("envelope directory %s already exists", dir)
		default:
			return "", fmt.Errorf("creating envelope directory %s: %w", dir, err)
		}
	}
	log.Debug("created envelope", "dir", dir)

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return dir, err
		}
		final := path.Join(dir, f.Name)
		part := final + PartSuffix
		if err := rfs.Put(ctx, f, part, tracker); err != nil {
			return dir, fmt.Errorf("uploading %s: %w", f.Path, err)
		}
		got, err := rfs.Stat(ctx, part)
		if err != nil {
			return dir, fmt.Errorf("checking uploaded %s: %w", part, err)
		}
		if got.Size != f.Size {
			if rerr := rfs.Remove(ctx, part); rerr != nil {
				log.Warn("could not remove incomplete upload", "path", part, "error", rerr)
			}
			return dir, fmt.Errorf("%w: %s is %d bytes on the server, %d bytes locally", ErrSizeMismatch, f.Name, got.Size, f.Size)
		}
		if err := rfs.Rename(ctx, part, final); err != nil {
			return dir, fmt.Errorf("renaming %s: %w", part, err)
		}
		log.Info("uploaded", "file", f.Name, "size", humanize.IBytes(uint64(f.Size)))
	}

	if err := rfs.Touch(ctx, path.Join(dir, SentinelName)); err != nil {
		return dir, fmt.Errorf("writing %s: %w", SentinelName, err)
	}
	return dir, nil
}
