package boltdb

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

var bucketBaselines = []byte("baselines")

// Storage is the client's local BoltDB cache
type Storage struct {
	db *bbolt.DB
}

// New opens (or creates) the cache at dbPath
func New(ctx context.Context, dbPath string) (*Storage, error) {
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	storage := &Storage{db: db}
	if err := storage.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return storage, nil
}

// Close closes the database
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBaselines); err != nil {
			return fmt.Errorf("failed to create baselines bucket: %w", err)
		}
		return nil
	})
}
