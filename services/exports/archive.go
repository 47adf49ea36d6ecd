package exports

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"metricsd/services/excel"
)

// DefaultArchivePrefix is where archived exports are written within the bucket.
const DefaultArchivePrefix = "excel-exports/"

// ObjectStore is the subset of the S3 client used for archiving.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key, contentType string, r io.Reader, size int64, sha256 string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// S3Archiver uploads exports to a bucket and returns presigned links to them.
type S3Archiver struct {
	store  ObjectStore
	bucket string
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewS3Archiver returns an archiver whose presigned links live for ttl.
func NewS3Archiver(store ObjectStore, bucket string, ttl time.Duration) (*S3Archiver, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &S3Archiver{store: store, bucket: bucket, prefix: DefaultArchivePrefix, ttl: ttl, now: time.Now}, nil
}

// Key returns the object key for name archived at t.
func (a *S3Archiver) Key(name string, t time.Time) string {
	return a.prefix + t.UTC().Format("20060102_150405") + "_" + name
}

// Archive uploads content and returns a presigned GET URL for it.
func (a *S3Archiver) Archive(ctx context.Context, name string, content []byte) (string, error) {
	key := a.Key(name, a.now())
	sum := sha256.Sum256(content)

	if err := a.store.PutObject(ctx, a.bucket, key, excel.ContentType, bytes.NewReader(content), int64(len(content)), hex.EncodeToString(sum[:])); err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	url, err := a.store.PresignGet(ctx, a.bucket, key, a.ttl)
	if err != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", a.bucket, key, err)
	}
	return url, nil
}
