package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("documents")

// BoltStore persists document content in a local bbolt file, for single-node
// deployments that want durability without an external service. Values are
// JSON-encoded records keyed by document path.
type BoltStore struct {
	db *bolt.DB
}

type boltRecord struct {
	Content   string    `json:"content"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OpenBolt opens or creates the database file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(_ context.Context, path string) (*DocumentInfo, error) {
	var info *DocumentInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltBucket).Get([]byte(path))
		if raw == nil {
			return ErrNotFound
		}
		var rec boltRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode %q: %w", path, err)
		}
		info = recordToDocInfo(path, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func recordToDocInfo(path string, rec boltRecord) *DocumentInfo {
	return &DocumentInfo{
		Path:      path,
		Content:   rec.Content,
		UpdatedBy: rec.UpdatedBy,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func (s *BoltStore) Persist(_ context.Context, path, content, userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		now := time.Now().UTC()
		rec := boltRecord{Content: content, UpdatedBy: userID, CreatedAt: now, UpdatedAt: now}
		if raw := b.Get([]byte(path)); raw != nil {
			var prev boltRecord
			if err := json.Unmarshal(raw, &prev); err == nil {
				rec.CreatedAt = prev.CreatedAt
			}
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode %q: %w", path, err)
		}
		return b.Put([]byte(path), raw)
	})
}

func (s *BoltStore) List(_ context.Context) ([]DocumentInfo, error) {
	var out []DocumentInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			out = append(out, *recordToDocInfo(string(k), rec))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Ping(context.Context) error {
	return s.db.View(func(*bolt.Tx) error { return nil })
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
