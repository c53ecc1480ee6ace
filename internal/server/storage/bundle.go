package storage

import "context"

// BundleStorage defines the interface to the bundle blob store. A bundle is
// an opaque client-built snapshot replacing the log prefix up to and
// including its sequence number.
type BundleStorage interface {
	// GetBundle retrieves the bundle blob for the database at the given
	// sequence number. Returns ErrBundleNotFound if none exists.
	GetBundle(ctx context.Context, databaseID string, bundleSeqNo int64) ([]byte, error)

	// PutBundle stores the bundle blob for the database at the given
	// sequence number, overwriting any previous blob at that key.
	PutBundle(ctx context.Context, databaseID string, bundleSeqNo int64, blob []byte) error

	// PruneBundlesBefore removes the database's bundle blobs older than
	// beforeSeqNo, returning how many were removed. Once a newer bundle is
	// committed the older snapshots are unreachable.
	PruneBundlesBefore(ctx context.Context, databaseID string, beforeSeqNo int64) (int, error)
}
