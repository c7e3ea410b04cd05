// Package storage wraps the S3-compatible object store behind the pipeline.
// Every key that passes through here is normalized with SanitizeKey, so
// writers and readers can never diverge on what a key looks like.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const (
	// DefaultVerifyAttempts and DefaultVerifyInterval bound the
	// read-after-write retry loop in VerifyDurable.
	DefaultVerifyAttempts = 10
	DefaultVerifyInterval = 2 * time.Second
)

// Client is the slice of the minio API the store uses. *minio.Client
// satisfies it; tests substitute a fake.
type Client interface {
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (*minio.Object, error)
	FGetObject(ctx context.Context, bucket, key, filePath string, opts minio.GetObjectOptions) error
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration, reqParams url.Values) (*url.URL, error)
	PresignedPutObject(ctx context.Context, bucket, key string, expiry time.Duration) (*url.URL, error)
}

type Store struct {
	api            Client
	bucket         string
	logger         *zap.Logger
	verifyAttempts int
	verifyInterval time.Duration
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

func New(cfg Config, logger *zap.Logger) (*Store, error) {
	api, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object store connection: %w", err)
	}
	return NewWithClient(api, cfg.Bucket, logger), nil
}

// NewWithClient builds a store on an existing client. Used by tests.
func NewWithClient(api Client, bucket string, logger *zap.Logger) *Store {
	return &Store{
		api:            api,
		bucket:         bucket,
		logger:         logger,
		verifyAttempts: DefaultVerifyAttempts,
		verifyInterval: DefaultVerifyInterval,
	}
}

// SetVerifyPolicy overrides the read-after-write retry bounds.
func (s *Store) SetVerifyPolicy(attempts int, interval time.Duration) {
	if attempts > 0 {
		s.verifyAttempts = attempts
	}
	if interval > 0 {
		s.verifyInterval = interval
	}
}

var unsafeKeyChars = regexp.MustCompile(`[<>:"\\|?*]`)
var whitespaceRun = regexp.MustCompile(`\s+`)
var slashRun = regexp.MustCompile(`/{2,}`)

// SanitizeKey normalizes an object key or filename: unsafe characters and
// whitespace runs become underscores, duplicate slashes collapse, and
// leading/trailing slashes are stripped. Writers and readers both call this,
// so a stored key always round-trips.
func SanitizeKey(key string) string {
	key = unsafeKeyChars.ReplaceAllString(key, "_")
	key = whitespaceRun.ReplaceAllString(key, "_")
	key = slashRun.ReplaceAllString(key, "/")
	return strings.Trim(key, "/")
}

// Upload streams r into the bucket and returns the sanitized key actually
// written, along with the object size.
func (s *Store) Upload(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, int64, error) {
	clean := SanitizeKey(key)
	info, err := s.api.PutObject(ctx, s.bucket, clean, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", 0, fmt.Errorf("put object %q: %w", clean, err)
	}
	return clean, info.Size, nil
}

// Download materializes an object to a local path.
func (s *Store) Download(ctx context.Context, key, filePath string) error {
	clean := SanitizeKey(key)
	if err := s.api.FGetObject(ctx, s.bucket, clean, filePath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("get object %q: %w", clean, err)
	}
	return nil
}

// Object opens an object for streaming reads. The caller closes it.
func (s *Store) Object(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.api.GetObject(ctx, s.bucket, SanitizeKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return s.api.RemoveObject(ctx, s.bucket, SanitizeKey(key), minio.RemoveObjectOptions{})
}

// Exists is a single HEAD check. A missing object is (false, nil), not an
// error.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.api.StatObject(ctx, s.bucket, SanitizeKey(key), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// VerifyDurable confirms an object is readable, retrying on a fixed interval
// to ride out read-after-write lag. After the attempts are exhausted the
// object is treated as genuinely absent: (false, nil), no error.
func (s *Store) VerifyDurable(ctx context.Context, key string) (bool, error) {
	clean := SanitizeKey(key)
	var lastErr error
	for attempt := 1; attempt <= s.verifyAttempts; attempt++ {
		ok, err := s.Exists(ctx, clean)
		if err != nil {
			lastErr = err
			s.logger.Warn("existence check errored",
				zap.String("key", clean),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		} else if ok {
			return true, nil
		}
		if attempt == s.verifyAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(s.verifyInterval):
		}
	}
	if lastErr != nil {
		return false, fmt.Errorf("verify %q: %w", clean, lastErr)
	}
	s.logger.Warn("object not durable after retries",
		zap.String("key", clean),
		zap.Int("attempts", s.verifyAttempts),
	)
	return false, nil
}

// PresignedGet returns a time-limited read URL for an object.
func (s *Store) PresignedGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.api.PresignedGetObject(ctx, s.bucket, SanitizeKey(key), ttl, nil)
	if err != nil {
		return "", fmt.Errorf("presign get %q: %w", key, err)
	}
	return u.String(), nil
}

// PresignedPut returns a time-limited write URL for an object.
func (s *Store) PresignedPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.api.PresignedPutObject(ctx, s.bucket, SanitizeKey(key), ttl)
	if err != nil {
		return "", fmt.Errorf("presign put %q: %w", key, err)
	}
	return u.String(), nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == 404 || resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}
