// Package bolt writes records into a single bbolt bucket.
package bolt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"pkt.systems/storebench/internal/storage"
)

const name = "bolt"

// Bucket holds every benchmark record.
var Bucket = []byte("benchmark")

// Config configures the bbolt backend.
type Config struct {
	// Path is the database file. A "file:" prefix is accepted.
	Path string
	// OpenTimeout bounds waiting for the file lock. Defaults to one second.
	OpenTimeout time.Duration
	// NoSync skips fsync after each commit.
	NoSync bool
}

// Store implements storage.Backend on a bbolt file. bbolt serialises update
// transactions, so concurrent writers queue on its single writer lock.
type Store struct {
	cfg Config

	mu sync.RWMutex
	db *bolt.DB
}

// New validates cfg and returns an unopened Store.
func New(cfg Config) (*Store, error) {
	cfg.Path = strings.TrimPrefix(strings.TrimSpace(cfg.Path), "file:")
	if cfg.Path == "" {
		return nil, fmt.Errorf("bolt: path required")
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Second
	}
	return &Store{cfg: cfg}, nil
}

func (s *Store) Connect(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
		return storage.Connection(name, "connect", err)
	}
	db, err := bolt.Open(s.cfg.Path, 0o644, &bolt.Options{Timeout: s.cfg.OpenTimeout, NoSync: s.cfg.NoSync})
	if err != nil {
		return storage.Connection(name, "connect", fmt.Errorf("open %s: %w", s.cfg.Path, err))
	}
	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	return nil
}

func (s *Store) handle() *bolt.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func (s *Store) HealthCheck(ctx context.Context) error {
	db := s.handle()
	if db == nil {
		return storage.Connection(name, "health", storage.ErrNotConnected)
	}
	err := db.View(func(tx *bolt.Tx) error { return nil })
	return storage.Connection(name, "health", err)
}

// PrepareSchema drops and recreates Bucket.
func (s *Store) PrepareSchema(ctx context.Context) error {
	db := s.handle()
	if db == nil {
		return storage.Write(name, "prepare", "", storage.ErrNotConnected)
	}
	err := db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(Bucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("delete bucket: %w", err)
		}
		if _, err := tx.CreateBucket(Bucket); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		return nil
	})
	return storage.Write(name, "prepare", "", err)
}

func (s *Store) WriteRecord(ctx context.Context, key, value string) error {
	db := s.handle()
	if db == nil {
		return storage.Write(name, "write", key, storage.ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return storage.Write(name, "write", key, err)
	}
	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(Bucket)
		if b == nil {
			return bolt.ErrBucketNotFound
		}
		return b.Put([]byte(key), []byte(value))
	})
	return storage.Write(name, "write", key, err)
}

func (s *Store) Close() error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

// ReadRecord reads key from Bucket in a read-only transaction.
func (s *Store) ReadRecord(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storage.Read(name, key, err)
	}
	v, found, err := s.Get(key)
	if err == nil && !found {
		err = storage.ErrNotFound
	}
	return v, storage.Read(name, key, err)
}

// Get reads key back from Bucket.
func (s *Store) Get(key string) (string, bool, error) {
	db := s.handle()
	if db == nil {
		return "", false, storage.ErrNotConnected
	}
	var (
		value string
		found bool
	)
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(Bucket)
		if b == nil {
			return bolt.ErrBucketNotFound
		}
		if v := b.Get([]byte(key)); v != nil {
			value, found = string(v), true
		}
		return nil
	})
	return value, found, err
}

// Count returns the number of keys in Bucket.
func (s *Store) Count() (int, error) {
	db := s.handle()
	if db == nil {
		return 0, storage.ErrNotConnected
	}
	var n int
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(Bucket)
		if b == nil {
			return bolt.ErrBucketNotFound
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}
