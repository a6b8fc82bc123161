// Package objstore provides whole-object storage backends for backup
// manifests: a local filesystem store for development and an S3-compatible
// store for production.
package objstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is a minimal object store: flat slash-separated keys, whole-object
// reads and writes. Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Name identifies the backend in logs, e.g. "s3:bucket" or "fs:/path".
	Name() string
}
