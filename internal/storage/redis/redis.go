// Package redis writes records with SET into one Redis logical database.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"pkt.systems/storebench/internal/storage"
)

const name = "redis"

// DefaultPoolSize bounds concurrent connections.
const DefaultPoolSize = 256

// Store implements storage.Backend with go-redis.
type Store struct {
	opts *redis.Options

	mu     sync.RWMutex
	client *redis.Client
}

// New parses url (redis://[:pass@]host:6379/db) and returns an unopened store.
func New(url string, poolSize int) (*Store, error) {
	url = strings.TrimSpace(url)
	if !strings.Contains(url, "://") {
		url = "redis://" + url
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	opts.PoolSize = poolSize
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return &Store{opts: opts}, nil
}

// DB returns the selected logical database.
func (s *Store) DB() int { return s.opts.DB }

func (s *Store) Connect(ctx context.Context) error {
	client := redis.NewClient(s.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return storage.Connection(name, "connect", err)
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

func (s *Store) handle() *redis.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *Store) HealthCheck(ctx context.Context) error {
	c := s.handle()
	if c == nil {
		return storage.Connection(name, "health", storage.ErrNotConnected)
	}
	return storage.Connection(name, "health", c.Ping(ctx).Err())
}

// PrepareSchema flushes the selected database.
func (s *Store) PrepareSchema(ctx context.Context) error {
	c := s.handle()
	if c == nil {
		return storage.Write(name, "prepare", "", storage.ErrNotConnected)
	}
	return storage.Write(name, "prepare", "", c.FlushDB(ctx).Err())
}

func (s *Store) WriteRecord(ctx context.Context, key, value string) error {
	c := s.handle()
	if c == nil {
		return storage.Write(name, "write", key, storage.ErrNotConnected)
	}
	return storage.Write(name, "write", key, c.Set(ctx, key, value, 0).Err())
}

// ReadRecord issues GET; redis.Nil maps to storage.ErrNotFound.
func (s *Store) ReadRecord(ctx context.Context, key string) (string, error) {
	c := s.handle()
	if c == nil {
		return "", storage.Read(name, key, storage.ErrNotConnected)
	}
	v, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		err = storage.ErrNotFound
	}
	return v, storage.Read(name, key, err)
}

func (s *Store) Close() error {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}
