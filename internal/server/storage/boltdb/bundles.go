package boltdb

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"github.com/densync/densync/internal/server/storage"
)

// bucketBundles holds every bundle blob, keyed databaseID/seqNo.
var bucketBundles = []byte("bundles")

// openTimeout bounds how long New waits for the file lock; a second server
// process pointed at the same bundle file should fail fast, not hang.
const openTimeout = time.Second

// Storage is a bbolt-backed bundle blob store. Bundles are opaque client-built
// snapshots: written once, fetched once per first-time database open, and
// superseded wholesale when the client delivers a newer one. A single bucket
// of zero-padded databaseID/seqNo keys keeps each database's snapshots
// adjacent and ordered, so supersession is a short cursor sweep.
type Storage struct {
	db *bbolt.DB
}

// New opens (creating if needed) the bundle store at dbPath
func New(ctx context.Context, dbPath string) (*Storage, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBundles)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bundles bucket: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close closes the underlying database file
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// bundleKey builds the bucket key for a bundle. The zero-padded sequence
// number keeps keys of one database ordered and unambiguous.
func bundleKey(databaseID string, bundleSeqNo int64) []byte {
	return fmt.Appendf(nil, "%s/%020d", databaseID, bundleSeqNo)
}

func bundlePrefix(databaseID string) []byte {
	return []byte(databaseID + "/")
}

// GetBundle retrieves the bundle blob for the database at the given sequence
// number. Returns storage.ErrBundleNotFound if none exists.
func (s *Storage) GetBundle(ctx context.Context, databaseID string, bundleSeqNo int64) ([]byte, error) {
	var blob []byte

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBundles)
		if bucket == nil {
			return fmt.Errorf("bundles bucket not found")
		}

		data := bucket.Get(bundleKey(databaseID, bundleSeqNo))
		if data == nil {
			return storage.ErrBundleNotFound
		}

		// Copy out: bbolt-owned memory is only valid inside the transaction
		blob = make([]byte, len(data))
		copy(blob, data)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return blob, nil
}

// PutBundle stores the bundle blob, overwriting any previous blob at that key
func (s *Storage) PutBundle(ctx context.Context, databaseID string, bundleSeqNo int64, blob []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBundles)
		if bucket == nil {
			return fmt.Errorf("bundles bucket not found")
		}

		if err := bucket.Put(bundleKey(databaseID, bundleSeqNo), blob); err != nil {
			return fmt.Errorf("failed to save bundle: %w", err)
		}

		return nil
	})
}

// PruneBundlesBefore removes the database's bundle blobs older than
// beforeSeqNo and reports how many were removed. A bundle replaces the whole
// log prefix, so once a newer one lands the older snapshots can never be
// fetched again.
func (s *Storage) PruneBundlesBefore(ctx context.Context, databaseID string, beforeSeqNo int64) (int, error) {
	pruned := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBundles)
		if bucket == nil {
			return fmt.Errorf("bundles bucket not found")
		}

		prefix := bundlePrefix(databaseID)
		cursor := bucket.Cursor()

		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			seqNo, err := strconv.ParseInt(string(k[len(prefix):]), 10, 64)
			if err != nil {
				return fmt.Errorf("malformed bundle key %q: %w", k, err)
			}
			if seqNo >= beforeSeqNo {
				break
			}

			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("failed to delete bundle: %w", err)
			}
			pruned++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return pruned, nil
}
