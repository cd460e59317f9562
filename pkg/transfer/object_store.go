package transfer

import (
	"context"
	"io"
)

// ObjectStore is the narrow slice of an object-store SDK the transfer layer
// needs: sized reads by byte range, whole-object puts, server-side compose
// of previously uploaded parts, and deletes. pkg/minio provides the real
// implementation; tests substitute fakes.
type ObjectStore interface {
	Stat(ctx context.Context, bucket, key string) (int64, error)
	GetRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error
	Compose(ctx context.Context, bucket, dst string, parts []string) error
	Remove(ctx context.Context, bucket, key string) error
}
