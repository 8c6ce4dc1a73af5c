// Package etcd writes records as keys under a fixed prefix in etcd v3.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"pkt.systems/storebench/internal/storage"
)

const name = "etcd"

// Prefix namespaces every benchmark key.
const Prefix = "storebench/"

// Store implements storage.Backend with the etcd v3 client.
type Store struct {
	endpoints   []string
	dialTimeout time.Duration

	mu     sync.RWMutex
	client *clientv3.Client
}

// New splits target on commas into endpoints (host:port or URLs).
func New(target string, dialTimeout time.Duration) (*Store, error) {
	var endpoints []string
	for _, ep := range strings.Split(target, ",") {
		if ep = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(ep), "etcd://")); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	if len(endpoints) == 0 {
		return nil, errors.New("etcd: at least one endpoint required")
	}
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Store{endpoints: endpoints, dialTimeout: dialTimeout}, nil
}

// Endpoints returns the configured endpoints.
func (s *Store) Endpoints() []string { return append([]string(nil), s.endpoints...) }

func (s *Store) Connect(ctx context.Context) error {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   s.endpoints,
		DialTimeout: s.dialTimeout,
		Context:     context.WithoutCancel(ctx),
	})
	if err != nil {
		return storage.Connection(name, "connect", err)
	}
	if _, err := client.Status(ctx, s.endpoints[0]); err != nil {
		client.Close()
		return storage.Connection(name, "connect", fmt.Errorf("status %s: %w", s.endpoints[0], err))
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

func (s *Store) handle() *clientv3.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *Store) HealthCheck(ctx context.Context) error {
	c := s.handle()
	if c == nil {
		return storage.Connection(name, "health", storage.ErrNotConnected)
	}
	_, err := c.Status(ctx, s.endpoints[0])
	return storage.Connection(name, "health", err)
}

// PrepareSchema deletes every key under Prefix.
func (s *Store) PrepareSchema(ctx context.Context) error {
	c := s.handle()
	if c == nil {
		return storage.Write(name, "prepare", "", storage.ErrNotConnected)
	}
	_, err := c.Delete(ctx, Prefix, clientv3.WithPrefix())
	return storage.Write(name, "prepare", "", err)
}

func (s *Store) WriteRecord(ctx context.Context, key, value string) error {
	c := s.handle()
	if c == nil {
		return storage.Write(name, "write", key, storage.ErrNotConnected)
	}
	_, err := c.Put(ctx, Prefix+key, value)
	return storage.Write(name, "write", key, err)
}

// ReadRecord fetches Prefix+key with a linearizable Get.
func (s *Store) ReadRecord(ctx context.Context, key string) (string, error) {
	c := s.handle()
	if c == nil {
		return "", storage.Read(name, key, storage.ErrNotConnected)
	}
	resp, err := c.Get(ctx, Prefix+key)
	if err != nil {
		return "", storage.Read(name, key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", storage.Read(name, key, storage.ErrNotFound)
	}
	return string(resp.Kvs[0].Value), nil
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
