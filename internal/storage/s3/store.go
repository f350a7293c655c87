// Package s3 is the object store used by the S3 transfer backend.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	tmtypes "github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager/types"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// ErrNotFound is returned when a bucket or object does not exist.
var ErrNotFound = errors.New("s3: not found")

type Store struct {
	client   *awss3.Client
	tm       *transfermanager.Client
	settings Settings
}

type Settings struct {
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	SessionToken string
	PathStyle    bool
	PartSizeMB   int64
	Concurrency  int
	MaxRetries   int
	SSE          string
	SSEKMSKeyID  string
}

// WithEnv fills unset tuning fields from SETT_S3_* variables and defaults.
func (s Settings) WithEnv() Settings {
	if s.PartSizeMB <= 0 {
		s.PartSizeMB = 16
		if v, ok := int64FromEnv("SETT_S3_PART_SIZE_MB"); ok && v > 0 {
			s.PartSizeMB = v
		}
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 4
		if v, ok := intFromEnv("SETT_S3_CONCURRENCY"); ok && v > 0 {
			s.Concurrency = v
		}
	}
	if s.MaxRetries <= 0 {
		if v, ok := intFromEnv("SETT_S3_MAX_RETRIES"); ok && v > 0 {
			s.MaxRetries = v
		}
	}
	if s.SSE == "" {
		s.SSE = defaultString(os.Getenv("SETT_S3_SSE"), "AES256")
	}
	s.SSE = strings.ToLower(strings.TrimSpace(s.SSE))
	if s.SSEKMSKeyID == "" {
		s.SSEKMSKeyID = strings.TrimSpace(os.Getenv("SETT_S3_SSE_KMS_KEY_ID"))
	}
	if !s.PathStyle {
		s.PathStyle = strings.EqualFold(strings.TrimSpace(os.Getenv("SETT_S3_USE_PATH_STYLE")), "true")
	}
	return s
}

// New builds a client. Static credentials from settings take precedence
// over the default AWS credential chain.
func New(ctx context.Context, settings Settings) (*Store, error) {
	settings = settings.WithEnv()
	var opts []func(*config.LoadOptions) error
	if settings.Region != "" {
		opts = append(opts, config.WithRegion(settings.Region))
	}
	if settings.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(settings.AccessKey, settings.SecretKey, settings.SessionToken)))
	}
	if settings.MaxRetries > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(settings.MaxRetries))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		if settings.Endpoint != "" {
			o.BaseEndpoint = aws.String(settings.Endpoint)
		}
		o.UsePathStyle = settings.PathStyle
	})
	tm := transfermanager.New(client, func(o *transfermanager.Options) {
		o.PartSizeBytes = settings.PartSizeMB * 1024 * 1024
		o.Concurrency = settings.Concurrency
	})
	return &Store{client: client, tm: tm, settings: settings}, nil
}

// Upload streams body to bucket/key with a multipart upload.
func (s *Store) Upload(ctx context.Context, bucket, key string, body io.Reader) error {
	in := &transfermanager.UploadObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentTypeForKey(key)),
	}
	s.applyEncryption(in)
	if _, err := s.tm.UploadObject(ctx, in); err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// Size returns the stored length of bucket/key.
func (s *Store) Size(ctx context.Context, bucket, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return 0, mapNotFound(err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// BucketExists reports whether bucket exists and is reachable with the
// configured credentials.
func (s *Store) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := s.client.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return true, nil
	}
	if err = mapNotFound(err); errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	return err
}

func (s *Store) applyEncryption(in *transfermanager.UploadObjectInput) {
	switch s.settings.SSE {
	case "", "aes256", "sse-s3":
		in.ServerSideEncryption = tmtypes.ServerSideEncryptionAes256
	case "aws:kms", "sse-kms":
		in.ServerSideEncryption = tmtypes.ServerSideEncryptionAwsKms
		if s.settings.SSEKMSKeyID != "" {
			in.SSEKMSKeyID = aws.String(s.settings.SSEKMSKeyID)
		}
	case "none":
		return
	default:
		in.ServerSideEncryption = tmtypes.ServerSideEncryptionAes256
	}
}

func mapNotFound(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return err
}

func contentTypeForKey(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".tar":
		return "application/x-tar"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

func intFromEnv(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	x, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return x, true
}

func int64FromEnv(key string) (int64, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	x, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return x, true
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
