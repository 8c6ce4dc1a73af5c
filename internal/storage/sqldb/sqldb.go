// Package sqldb implements storage.Backend over database/sql. Drivers differ
// only in their Dialect: connection setup, schema statements and the upsert.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/storebench/internal/storage"
)

// Dialect describes one database/sql driver.
type Dialect struct {
	// Name labels errors, e.g. "mysql".
	Name string
	// Driver is the registered database/sql driver name.
	Driver string
	// BeforeOpen runs ahead of sql.Open, e.g. to create a directory.
	BeforeOpen func() error
	// Init runs once per Connect after the pool is opened.
	Init []string
	// Ping is the health check query. Empty uses PingContext.
	Ping string
	// Schema drops and recreates key_value, in order.
	Schema []string
	// Upsert writes one (key, value) pair.
	Upsert string
	// Lookup reads one value by key. Empty uses a portable SELECT.
	Lookup string
	// MaxOpenConns caps the pool; zero leaves database/sql's default.
	MaxOpenConns int
}

// Store is a database/sql backed storage.Backend.
type Store struct {
	dialect Dialect
	dsn     string

	mu sync.RWMutex
	db *sql.DB
}

// New returns an unopened Store.
func New(d Dialect, dsn string) *Store {
	return &Store{dialect: d, dsn: dsn}
}

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Connect(ctx context.Context) error {
	name := s.dialect.Name
	if s.dialect.BeforeOpen != nil {
		if err := s.dialect.BeforeOpen(); err != nil {
			return storage.Connection(name, "connect", err)
		}
	}
	db, err := sql.Open(s.dialect.Driver, s.dsn)
	if err != nil {
		return storage.Connection(name, "connect", err)
	}
	if s.dialect.MaxOpenConns > 0 {
		db.SetMaxOpenConns(s.dialect.MaxOpenConns)
		db.SetMaxIdleConns(s.dialect.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		return storage.Connection(name, "connect", errors.Join(err, db.Close()))
	}
	for _, stmt := range s.dialect.Init {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return storage.Connection(name, "connect", errors.Join(fmt.Errorf("%s: %w", stmt, err), db.Close()))
		}
	}
	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	return nil
}

func (s *Store) handle() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func (s *Store) HealthCheck(ctx context.Context) error {
	db := s.handle()
	if db == nil {
		return storage.Connection(s.dialect.Name, "health", storage.ErrNotConnected)
	}
	var err error
	if s.dialect.Ping == "" {
		err = db.PingContext(ctx)
	} else {
		_, err = db.ExecContext(ctx, s.dialect.Ping)
	}
	return storage.Connection(s.dialect.Name, "health", err)
}

// PrepareSchema runs the dialect's Schema statements.
func (s *Store) PrepareSchema(ctx context.Context) error {
	db := s.handle()
	if db == nil {
		return storage.Write(s.dialect.Name, "prepare", "", storage.ErrNotConnected)
	}
	for _, stmt := range s.dialect.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return storage.Write(s.dialect.Name, "prepare", "", err)
		}
	}
	return nil
}

func (s *Store) WriteRecord(ctx context.Context, key, value string) error {
	db := s.handle()
	if db == nil {
		return storage.Write(s.dialect.Name, "write", key, storage.ErrNotConnected)
	}
	_, err := db.ExecContext(ctx, s.dialect.Upsert, key, value)
	return storage.Write(s.dialect.Name, "write", key, err)
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

// Count returns the number of rows in key_value.
func (s *Store) Count(ctx context.Context) (int, error) {
	db := s.handle()
	if db == nil {
		return 0, storage.ErrNotConnected
	}
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM key_value").Scan(&n)
	return n, err
}

// ReadRecord looks key up with the dialect's Lookup query.
func (s *Store) ReadRecord(ctx context.Context, key string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		err = storage.ErrNotFound
	}
	return v, storage.Read(s.dialect.Name, key, err)
}

// Get returns the stored value for key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	db := s.handle()
	if db == nil {
		return "", storage.ErrNotConnected
	}
	q := s.dialect.Lookup
	if q == "" {
		q = "SELECT value FROM key_value WHERE key = ?"
	}
	var v string
	err := db.QueryRowContext(ctx, q, key).Scan(&v)
	return v, err
}
