// Package s3 provides a read-only backend for objects in S3 compatible
// storage. Ticket URLs have the form s3://bucket/key.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/marmos91/imageiod/internal/bytesize"
	"github.com/marmos91/imageiod/internal/logger"
	"github.com/marmos91/imageiod/pkg/backend"
)

// Config holds configuration for the S3 backend.
type Config struct {
	// BufferSize is the chunk size used for streaming.
	// Default: 8MiB
	BufferSize int

	// Region is the bucket region.
	// Default: us-east-1
	Region string

	// Endpoint overrides the service endpoint (MinIO, Ceph RGW, tests).
	Endpoint string

	// ForcePathStyle addresses buckets as endpoint/bucket/key.
	ForcePathStyle bool

	// AccessKeyID and SecretAccessKey select static credentials. When empty
	// the default AWS credential chain applies.
	AccessKeyID     string
	SecretAccessKey string

	// MaxRetries bounds retries of transient read failures.
	// Default: 3
	MaxRetries int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize: int(8 * bytesize.MiB),
		Region:     "us-east-1",
		MaxRetries: 3,
	}
}

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 2 * time.Second
)

// Backend is an open S3 object.
type Backend struct {
	cfg    Config
	client *s3.Client
	bucket string
	key    string
	size   int64
	closed atomic.Bool
}

var _ backend.Backend = (*Backend)(nil)

// ParseURL splits s3://bucket/key.
func ParseURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("s3 url %q must name a bucket and a key", raw)
	}
	return u.Host, key, nil
}

// NewClient builds an S3 client from cfg.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	if cfg.Region == "" {
		cfg.Region = DefaultConfig().Region
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				endpoint = "https://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}), nil
}

// Open looks up the object named by rawURL. Only ReadOnly mode is
// supported.
func Open(ctx context.Context, rawURL string, mode backend.Mode, cfg Config) (*Backend, error) {
	if mode != backend.ReadOnly {
		return nil, fmt.Errorf("%w: s3 objects are read-only", backend.ErrNotSupported)
	}
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	bucket, key, err := ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}

	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: head s3://%s/%s: %v", backend.ErrUnavailable, bucket, key, err)
	}

	b := &Backend{
		cfg:    cfg,
		client: client,
		bucket: bucket,
		key:    key,
		size:   aws.ToInt64(head.ContentLength),
	}
	logger.DebugCtx(ctx, "S3 object opened", logger.URL(rawURL), logger.KeySize, b.size)
	return b, nil
}

// Name returns "s3".
func (b *Backend) Name() string { return "s3" }

// Size returns the object size.
func (b *Backend) Size() int64 { return b.size }

// BufferSize returns the configured chunk size.
func (b *Backend) BufferSize() int { return b.cfg.BufferSize }

// Capabilities reports a read-only object without sparseness information.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{}
}

// isRetryable reports transient failures worth another attempt.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "Throttling", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return true
		}
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// classify maps SDK errors to backend errors.
func classify(err error) error {
	var noSuchKey *types.NoSuchKey
	var apiErr smithy.APIError
	switch {
	case errors.As(err, &noSuchKey):
		return backend.ErrUnavailable
	case errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange":
		return backend.ErrOutOfRange
	case errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchBucket" || apiErr.ErrorCode() == "AccessDenied"):
		return backend.ErrUnavailable
	default:
		return backend.ErrIO
	}
}

func backoff(attempt int) time.Duration {
	return min(initialBackoff<<attempt, maxBackoff)
}

// ReadAt issues a ranged GetObject, retrying transient failures.
func (b *Backend) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if b.closed.Load() {
		return 0, backend.ErrClosed
	}
	if err := backend.CheckRange(off, int64(len(p)), b.size); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	var lastErr error
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.DebugCtx(ctx, "S3 read: retrying", "attempt", attempt, logger.Err(lastErr))
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff(attempt - 1)):
			}
		}

		n, err := b.readRange(ctx, p, off)
		if err == nil {
			return n, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	return 0, fmt.Errorf("%w: read s3://%s/%s at %d: %v", classify(lastErr), b.bucket, b.key, off, lastErr)
}

func (b *Backend) readRange(ctx context.Context, p []byte, off int64) (int, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)),
	})
	if err != nil {
		return 0, err
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadFull(out.Body, p)
}

// WriteAt is not supported.
func (b *Backend) WriteAt(context.Context, []byte, int64) (int, error) {
	return 0, backend.ErrNotSupported
}

// Zero is not supported.
func (b *Backend) Zero(context.Context, int64, int64, bool) error {
	return backend.ErrNotSupported
}

// Flush has nothing to persist.
func (b *Backend) Flush(context.Context) error { return nil }

// Extents reports the whole range as data.
func (b *Backend) Extents(_ context.Context, off, length int64) iter.Seq2[backend.Extent, error] {
	if err := backend.CheckRange(off, length, b.size); err != nil {
		return backend.ErrorExtents(err)
	}
	return backend.SingleExtent(off, length)
}

// Close marks the handle closed. It is idempotent.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}
