package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/islishude/sett/internal/progress"
	s3store "github.com/islishude/sett/internal/storage/s3"
)

type objectStore interface {
	Upload(ctx context.Context, bucket, key string, body io.Reader) error
	Size(ctx context.Context, bucket, key string) (int64, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
	Delete(ctx context.Context, bucket, key string) error
}

// S3 uploads into <prefix>/<envelope>/ of a bucket. Objects appear
// atomically, so there is no .part stage; the size check and the trailing
// done.txt follow the envelope protocol.
type S3 struct {
	open func(ctx context.Context, s s3store.Settings) (objectStore, error)
}

func (S3) Name() string { return "s3" }

func (b S3) Setup(ctx context.Context, conn Connection, _ UploadOptions, log *slog.Logger) (Session, error) {
	open := b.open
	if open == nil {
		open = func(ctx context.Context, s s3store.Settings) (objectStore, error) { return s3store.New(ctx, s) }
	}
	store, err := open(ctx, s3store.Settings{
		Region:       conn.Region,
		Endpoint:     conn.Endpoint,
		AccessKey:    conn.AccessKey,
		SecretKey:    conn.SecretKey,
		SessionToken: conn.SessionToken,
		PathStyle:    conn.PathStyle,
	})
	if err != nil {
		return nil, err
	}
	return &s3Session{store: store, conn: conn, log: log}, nil
}

type s3Session struct {
	store objectStore
	conn  Connection
	log   *slog.Logger
}

func (s *s3Session) Upload(ctx context.Context, envelope string, files []File, tracker *progress.Tracker) (string, error) {
	bucket := s.conn.Bucket
	ok, err := s.store.BucketExists(ctx, bucket)
	if err != nil {
		return "", fmt.Errorf("checking bucket %s: %w", bucket, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: bucket %s", ErrDestinationMissing, bucket)
	}
	prefix := joinKey(s.conn.Prefix, envelope)
	location := "s3://" + bucket + "/" + prefix
	for _, f := range files {
		key := joinKey(prefix, f.Name)
		if err := s.put(ctx, f, key, tracker); err != nil {
			return location, err
		}
		got, err := s.store.Size(ctx, bucket, key)
		if err != nil {
			return location, fmt.Errorf("checking uploaded %s: %w", key, err)
		}
		if got != f.Size {
			if derr := s.store.Delete(ctx, bucket, key); derr != nil {
				s.log.Warn("could not delete incomplete object", "key", key, "error", derr)
			}
			return location, fmt.Errorf("%w: %s is %d bytes in the bucket, %d bytes locally", ErrSizeMismatch, f.Name, got, f.Size)
		}
		s.log.Info("uploaded", "file", f.Name, "key", key, "size", humanize.IBytes(uint64(f.Size)))
	}
	if err := s.store.Upload(ctx, bucket, joinKey(prefix, SentinelName), bytes.NewReader(nil)); err != nil {
		return location, fmt.Errorf("writing %s: %w", SentinelName, err)
	}
	return location, nil
}

func (s *s3Session) put(ctx context.Context, f File, key string, tracker *progress.Tracker) error {
	src, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	defer src.Close() //nolint:errcheck
	return s.store.Upload(ctx, s.conn.Bucket, key, progress.Reader(src, tracker))
}

func (s *s3Session) Close() error { return nil }

func joinKey(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}
