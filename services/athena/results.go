package athena

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ObjectGetter is the subset of the S3 client used to read query output.
type ObjectGetter interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// ResultBucket reads the CSV files the engine writes to its output location.
type ResultBucket struct {
	objects ObjectGetter
	bucket  string
	prefix  string
}

// NewResultBucket returns a ResultBucket reading <prefix><execution-id>.csv from bucket.
func NewResultBucket(objects ObjectGetter, bucket, prefix string) (*ResultBucket, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("results bucket is required")
	}
	if objects == nil {
		return nil, errors.New("s3 client is required")
	}
	return &ResultBucket{objects: objects, bucket: bucket, prefix: prefix}, nil
}

// Key returns the object key holding the CSV output of executionID.
func (b *ResultBucket) Key(executionID string) string {
	return b.prefix + executionID + ".csv"
}

// FetchCSV opens the CSV output of executionID.
func (b *ResultBucket) FetchCSV(ctx context.Context, executionID string) (io.ReadCloser, error) {
	if b == nil {
		return nil, errors.New("nil result bucket")
	}
	if executionID == "" {
		return nil, errors.New("execution id is required")
	}
	body, err := b.objects.GetObject(ctx, b.bucket, b.Key(executionID))
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", b.bucket, b.Key(executionID), err)
	}
	return body, nil
}
