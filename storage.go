package zkfleet

import "github.com/zkfleet/zkfleet/internal/objstore"

// ObjectStore is the storage backend backups are written to. Implementations
// live in internal/objstore; the aliases keep call sites inside this package's
// namespace.
type ObjectStore = objstore.Store

// ObjectInfo describes one stored object.
type ObjectInfo = objstore.ObjectInfo

// ErrObjectNotFound is returned when a manifest key does not exist.
var ErrObjectNotFound = objstore.ErrNotFound

// Compile-time checks that both backends satisfy the interface.
var (
	_ ObjectStore = (*objstore.FS)(nil)
	_ ObjectStore = (*objstore.S3)(nil)
)
