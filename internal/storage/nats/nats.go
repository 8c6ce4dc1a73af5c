// Package nats writes records into a JetStream key/value bucket.
package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"pkt.systems/storebench/internal/storage"
)

const name = "nats"

// Bucket is the KV bucket recreated by PrepareSchema.
const Bucket = "benchmark"

var validKey = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

// Store implements storage.Backend on NATS JetStream KV.
type Store struct {
	url     string
	client  string
	timeout time.Duration

	mu sync.RWMutex
	nc *nats.Conn
	js nats.JetStreamContext
	kv nats.KeyValue
}

// New returns an unopened store for url (nats://host:4222). clientName is
// shown in the server's connection list.
func New(url, clientName string, timeout time.Duration) (*Store, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("nats: url required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{url: url, client: clientName, timeout: timeout}, nil
}

// EncodeKey maps key to a valid KV key. Keys outside the KV alphabet are
// base64url encoded behind a "b64." prefix.
func EncodeKey(key string) string {
	if validKey.MatchString(key) && !strings.HasPrefix(key, ".") && !strings.HasSuffix(key, ".") {
		return key
	}
	return "b64." + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (s *Store) Connect(ctx context.Context) error {
	opts := []nats.Option{nats.Timeout(s.timeout), nats.MaxReconnects(-1)}
	if s.client != "" {
		opts = append(opts, nats.Name(s.client))
	}
	nc, err := nats.Connect(s.url, opts...)
	if err != nil {
		return storage.Connection(name, "connect", err)
	}
	js, err := nc.JetStream(nats.MaxWait(s.timeout))
	if err != nil {
		nc.Close()
		return storage.Connection(name, "connect", err)
	}
	if _, err := js.AccountInfo(nats.Context(ctx)); err != nil {
		nc.Close()
		return storage.Connection(name, "connect", fmt.Errorf("jetstream: %w", err))
	}
	s.mu.Lock()
	s.nc, s.js = nc, js
	s.mu.Unlock()
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	nc := s.nc
	s.mu.RUnlock()
	if nc == nil {
		return storage.Connection(name, "health", storage.ErrNotConnected)
	}
	if !nc.IsConnected() {
		return storage.Connection(name, "health", fmt.Errorf("status %v", nc.Status()))
	}
	return storage.Connection(name, "health", nc.FlushWithContext(ctx))
}

// PrepareSchema deletes and recreates Bucket.
func (s *Store) PrepareSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.js == nil {
		return storage.Write(name, "prepare", "", storage.ErrNotConnected)
	}
	if err := s.js.DeleteKeyValue(Bucket); err != nil &&
		!errors.Is(err, nats.ErrStreamNotFound) && !errors.Is(err, nats.ErrBucketNotFound) {
		return storage.Write(name, "prepare", "", fmt.Errorf("delete bucket: %w", err))
	}
	kv, err := s.js.CreateKeyValue(&nats.KeyValueConfig{Bucket: Bucket, History: 1, Storage: nats.FileStorage})
	if err != nil {
		return storage.Write(name, "prepare", "", fmt.Errorf("create bucket: %w", err))
	}
	s.kv = kv
	return nil
}

func (s *Store) WriteRecord(ctx context.Context, key, value string) error {
	s.mu.RLock()
	kv := s.kv
	s.mu.RUnlock()
	if kv == nil {
		return storage.Write(name, "write", key, storage.ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return storage.Write(name, "write", key, err)
	}
	_, err := kv.Put(EncodeKey(key), []byte(value))
	return storage.Write(name, "write", key, err)
}

func (s *Store) ReadRecord(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storage.Read(name, key, err)
	}
	v, err := s.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		err = storage.ErrNotFound
	}
	return v, storage.Read(name, key, err)
}

func (s *Store) Close() error {
	s.mu.Lock()
	nc := s.nc
	s.nc, s.js, s.kv = nil, nil, nil
	s.mu.Unlock()
	if nc == nil {
		return nil
	}
	return nc.Drain()
}

// Get reads key back from Bucket.
func (s *Store) Get(key string) (string, error) {
	s.mu.RLock()
	kv := s.kv
	s.mu.RUnlock()
	if kv == nil {
		return "", storage.ErrNotConnected
	}
	entry, err := kv.Get(EncodeKey(key))
	if err != nil {
		return "", err
	}
	return string(entry.Value()), nil
}
