// ABOUTME: bbolt implementation of the Store interface
// ABOUTME: Stores every key in one bucket and uses cursor seeks for prefix listing

package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("kv")

// BoltStore implements the Store interface on a bbolt file.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
}

// NewBoltStore opens (or creates) a bbolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	logger := slog.Default().With("component", "store", "driver", "bolt")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	logger.Info("bolt store initialized", "path", path)
	return &BoltStore{db: db, logger: logger}, nil
}

// Get returns a copy of the value stored at key.
func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// bolt values are only valid for the life of the transaction
		out = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Set stores value at key.
func (s *BoltStore) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), value)
	})
}

// Remove deletes key.
func (s *BoltStore) Remove(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
}

// List returns the keys starting with prefix in lexical order.
func (s *BoltStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	s.logger.Info("closing bolt store")
	return s.db.Close()
}
