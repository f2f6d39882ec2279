package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore is a bbolt-backed Store. Stores opened on the same file share one
// *bolt.DB, since bbolt holds an exclusive file lock per open handle.
type BoltStore[T any] struct {
	db         *bolt.DB
	path       string
	bucketName []byte
}

var (
	sharedDBs = make(map[string]*sharedDB)
	dbMu      sync.Mutex
)

type sharedDB struct {
	db       *bolt.DB
	refCount int
}

// openTimeout bounds how long Open waits for another process holding the
// file lock, e.g. a running daemon.
const openTimeout = 5 * time.Second

// NewBoltStore opens (or reuses) the database at dbPath and ensures the bucket exists.
func NewBoltStore[T any](dbPath string, bucketName string) (Store[T], error) {
	dbMu.Lock()
	defer dbMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	sdb, exists := sharedDBs[dbPath]
	if !exists {
		db, err := bolt.Open(dbPath, 0600, &bolt.Options{
			Timeout:        openTimeout,
			NoFreelistSync: true,
			FreelistType:   bolt.FreelistMapType,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt db %s: %w", dbPath, err)
		}
		sdb = &sharedDB{db: db}
		sharedDBs[dbPath] = sdb
	}
	sdb.refCount++

	err := sdb.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		release(dbPath, sdb)
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
	}

	return &BoltStore[T]{
		db:         sdb.db,
		path:       dbPath,
		bucketName: []byte(bucketName),
	}, nil
}

// release drops one reference and closes the DB when it was the last.
// dbMu must be held.
func release(path string, sdb *sharedDB) error {
	sdb.refCount--
	if sdb.refCount > 0 {
		return nil
	}
	delete(sharedDBs, path)
	return sdb.db.Close()
}

func (s *BoltStore[T]) bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket(s.bucketName)
	if b == nil {
		return nil, fmt.Errorf("bucket %s not found", string(s.bucketName))
	}
	return b, nil
}

// Get retrieves a value by key.
func (s *BoltStore[T]) Get(ctx context.Context, key string) (*T, error) {
	var value T
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("key %q: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &value)
	})
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// Set stores a value by key.
func (s *BoltStore[T]) Set(ctx context.Context, key string, value *T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key %s: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Delete removes a value by key. Deleting a missing key is not an error.
func (s *BoltStore[T]) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

// Scan iterates over all keys with the given prefix.
func (s *BoltStore[T]) Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		c := b.Cursor()

		prefixBytes := []byte(prefix)
		for k, v := c.Seek(prefixBytes); k != nil && bytes.HasPrefix(k, prefixBytes); k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var value T
			if err := json.Unmarshal(v, &value); err != nil {
				return fmt.Errorf("failed to unmarshal value for key %s: %w", string(k), err)
			}
			if err := fn(string(k), &value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close drops this store's reference to the shared database.
func (s *BoltStore[T]) Close() error {
	dbMu.Lock()
	defer dbMu.Unlock()

	sdb, ok := sharedDBs[s.path]
	if !ok || sdb.db != s.db {
		return nil
	}
	return release(s.path, sdb)
}
