package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func TestContentTypeForKey(t *testing.T) {
	cases := []struct {
		key  string
		want string
	}{
		{key: "inbox/20240301T120000/pkg.tar", want: "application/x-tar"},
		{key: "inbox/20240301T120000/done.txt", want: "text/plain; charset=utf-8"},
		{key: "noext", want: "application/octet-stream"},
	}

	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			got := contentTypeForKey(tc.key)
			if got != tc.want {
				t.Fatalf("contentTypeForKey(%q)=%q, want %q", tc.key, got, tc.want)
			}
		})
	}
}

func TestSettingsWithEnv(t *testing.T) {
	t.Setenv("SETT_S3_PART_SIZE_MB", "32")
	t.Setenv("SETT_S3_CONCURRENCY", "bogus")
	t.Setenv("SETT_S3_SSE", "")
	t.Setenv("SETT_S3_USE_PATH_STYLE", "TRUE")
	got := Settings{}.WithEnv()
	if got.PartSizeMB != 32 || got.Concurrency != 4 || got.SSE != "aes256" || !got.PathStyle {
		t.Fatalf("WithEnv() = %+v", got)
	}
	explicit := Settings{PartSizeMB: 8, Concurrency: 2, SSE: "none"}.WithEnv()
	if explicit.PartSizeMB != 8 || explicit.Concurrency != 2 || explicit.SSE != "none" {
		t.Fatalf("WithEnv() overrode explicit settings: %+v", explicit)
	}
}

func TestMapNotFound(t *testing.T) {
	nf := &smithy.GenericAPIError{Code: "NotFound", Message: "gone"}
	if err := mapNotFound(fmt.Errorf("head: %w", nf)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("mapNotFound(NotFound) = %v", err)
	}
	denied := &smithy.GenericAPIError{Code: "AccessDenied"}
	if err := mapNotFound(denied); errors.Is(err, ErrNotFound) {
		t.Fatalf("mapNotFound(AccessDenied) = %v", err)
	}
}

// Runs against LocalStack when SETT_TEST_S3_ENDPOINT is set.
func TestStoreLocalStack(t *testing.T) {
	endpoint := os.Getenv("SETT_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("SETT_TEST_S3_ENDPOINT not set; skipping S3 integration test")
	}
	ctx := context.Background()
	store, err := New(ctx, Settings{
		Region:    "us-east-1",
		Endpoint:  endpoint,
		AccessKey: "test",
		SecretKey: "test",
		PathStyle: true,
		SSE:       "none",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	bucket := fmt.Sprintf("sett-test-%d", os.Getpid())
	if ok, err := store.BucketExists(ctx, bucket); err != nil || ok {
		t.Fatalf("BucketExists() = %v, %v before creation", ok, err)
	}
	if _, err := store.client.CreateBucket(ctx, &awss3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Fatalf("create bucket %s: %v", bucket, err)
	}
	t.Cleanup(func() {
		_ = store.Delete(ctx, bucket, "x/pkg.tar")
		_, _ = store.client.DeleteBucket(ctx, &awss3.DeleteBucketInput{Bucket: aws.String(bucket)})
	})

	body := bytes.Repeat([]byte("sett"), 1024)
	if err := store.Upload(ctx, bucket, "x/pkg.tar", bytes.NewReader(body)); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	size, err := store.Size(ctx, bucket, "x/pkg.tar")
	if err != nil || size != int64(len(body)) {
		t.Fatalf("Size() = %d, %v", size, err)
	}
	if _, err := store.Size(ctx, bucket, "x/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Size(missing) error = %v, want ErrNotFound", err)
	}
}
