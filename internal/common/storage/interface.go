package storage

import (
	"context"
	"io"
)

// ObjectReader is a readable object stream.
type ObjectReader interface {
	io.ReadCloser
}

// ObjectStorage defines the interface for reading and writing stored
// submission uploads.
type ObjectStorage interface {
	// GetObject opens the object at the given key for reading
	GetObject(ctx context.Context, bucket, objectKey string) (ObjectReader, error)

	// PutObject writes an object; sizeBytes may be -1 when unknown
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// StatObject returns the object size, or an error if it does not exist
	StatObject(ctx context.Context, bucket, objectKey string) (int64, error)
}
