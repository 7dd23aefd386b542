package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"carenote/api/internal/client/storage"
)

var _ storage.BaselineStorage = (*Storage)(nil)

// SaveBaseline stores the baseline for noteID, replacing any previous one
func (s *Storage) SaveBaseline(ctx context.Context, noteID string, b storage.Baseline) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal baseline: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBaselines)
		if bucket == nil {
			return fmt.Errorf("baselines bucket not found")
		}
		if err := bucket.Put([]byte(noteID), data); err != nil {
			return fmt.Errorf("failed to save baseline: %w", err)
		}
		return nil
	})
}

// GetBaseline returns the cached baseline for noteID
func (s *Storage) GetBaseline(ctx context.Context, noteID string) (storage.Baseline, error) {
	var b storage.Baseline
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBaselines)
		if bucket == nil {
			return fmt.Errorf("baselines bucket not found")
		}
		data := bucket.Get([]byte(noteID))
		if data == nil {
			return storage.ErrBaselineNotFound
		}
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("failed to unmarshal baseline: %w", err)
		}
		return nil
	})
	if err != nil {
		return storage.Baseline{}, err
	}
	return b, nil
}

// DeleteBaseline removes the cached baseline; deleting a missing one is not
// an error
func (s *Storage) DeleteBaseline(ctx context.Context, noteID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBaselines)
		if bucket == nil {
			return fmt.Errorf("baselines bucket not found")
		}
		return bucket.Delete([]byte(noteID))
	})
}
