package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectTooLarge = errors.New("object too large")
)

const (
	// S3 rejects presigned URLs valid for longer than a week.
	maxPresignExpiry     = 7 * 24 * time.Hour
	defaultMaxReadBytes  = 64 << 20
	notFoundCode         = "NoSuchKey"
	notFoundCodeFallback = "NoSuchObject"
)

type Config struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	UseSSL   bool
	// MaxReadBytes caps ReadObject. Zero means 64 MiB.
	MaxReadBytes int64
}

// Client stores job sources, tensors and snapshots in one bucket.
type Client struct {
	minio        *minio.Client
	bucket       string
	maxReadBytes int64
}

func NewClient(cfg Config) (*Client, error) {
	switch {
	case strings.TrimSpace(cfg.Endpoint) == "":
		return nil, fmt.Errorf("endpoint is required")
	case strings.TrimSpace(cfg.Bucket) == "":
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = defaultMaxReadBytes
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Client{minio: mc, bucket: cfg.Bucket, maxReadBytes: cfg.MaxReadBytes}, nil
}

func (c *Client) Bucket() string { return c.bucket }

// EnsureBucket creates the bucket unless it exists. A concurrent creator
// winning the race is not an error.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}

	makeErr := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
	if makeErr == nil {
		return nil
	}
	if exists, err := c.minio.BucketExists(ctx, c.bucket); err == nil && exists {
		return nil
	}
	return fmt.Errorf("create bucket %s: %w", c.bucket, makeErr)
}

// PresignedPutURL lets a client upload a job source directly. The expiry is
// clamped to what S3 accepts.
func (c *Client) PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	expiry = min(max(expiry, time.Second), maxPresignExpiry)
	u, err := c.minio.PresignedPutObject(ctx, c.bucket, objectKey, expiry)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectKey, err)
	}
	return u.String(), nil
}

func (c *Client) ObjectExists(ctx context.Context, objectKey string) (bool, error) {
	_, err := c.minio.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("stat object %s: %w", objectKey, err)
	}
}

// ReadObject loads a whole object into memory, refusing anything larger than
// the configured read limit.
func (c *Client) ReadObject(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := c.minio.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrapObjectError("get", objectKey, err)
	}
	defer obj.Close()

	data, err := readLimited(obj, c.maxReadBytes)
	if err != nil {
		return nil, wrapObjectError("read", objectKey, err)
	}
	return data, nil
}

func (c *Client) WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error {
	return c.WriteObjectWithMetadata(ctx, objectKey, data, contentType, nil)
}

// WriteObjectWithMetadata stores data with user metadata, which minio
// exposes as X-Amz-Meta-* headers.
func (c *Client) WriteObjectWithMetadata(ctx context.Context, objectKey string, data []byte, contentType string, metadata map[string]string) error {
	opts := minio.PutObjectOptions{ContentType: contentType, UserMetadata: metadata}
	if _, err := c.minio.PutObject(ctx, c.bucket, objectKey, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return nil
}

// ObjectMetadata returns the user metadata stored with an object.
func (c *Client) ObjectMetadata(ctx context.Context, objectKey string) (map[string]string, error) {
	info, err := c.minio.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		return nil, wrapObjectError("stat", objectKey, err)
	}
	return info.UserMetadata, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrObjectTooLarge, limit)
	}
	return data, nil
}

func wrapObjectError(op, objectKey string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s object %s: %w", op, objectKey, ErrObjectNotFound)
	}
	return fmt.Errorf("%s object %s: %w", op, objectKey, err)
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == notFoundCode || code == notFoundCodeFallback
}
