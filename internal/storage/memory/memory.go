package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"pkt.systems/storebench/internal/storage"
)

// Config configures the in-memory store behaviour.
type Config struct {
	// Name is reported in errors and logs. Defaults to "memory".
	Name string
	// Latency is slept inside every WriteRecord and ReadRecord to simulate a
	// remote store.
	Latency time.Duration
	// Discard drops written values instead of retaining them.
	Discard bool
}

// Store implements storage.Backend in-memory; intended for tests, dry runs and
// measuring harness overhead.
type Store struct {
	cfg Config

	mu        sync.RWMutex
	connected bool
	values    map[string]string
	writes    map[string]int
	reads     int
	prepares  int
}

// New constructs a Store.
func New(cfg Config) *Store {
	if cfg.Name == "" {
		cfg.Name = "memory"
	}
	return &Store{
		cfg:    cfg,
		values: make(map[string]string),
		writes: make(map[string]int),
	}
}

// NewFake returns the store behind the "fake" backend: values are discarded
// and each write takes roughly 5ms.
func NewFake() *Store {
	return New(Config{Name: "fake", Latency: 5 * time.Millisecond, Discard: true})
}

func (s *Store) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storage.Connection(s.cfg.Name, "connect", err)
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	if !connected {
		return storage.Connection(s.cfg.Name, "health", storage.ErrNotConnected)
	}
	return nil
}

func (s *Store) PrepareSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return storage.Write(s.cfg.Name, "prepare", "", storage.ErrNotConnected)
	}
	s.values = make(map[string]string)
	s.writes = make(map[string]int)
	s.reads = 0
	s.prepares++
	return nil
}

func (s *Store) WriteRecord(ctx context.Context, key, value string) error {
	if err := s.wait(ctx); err != nil {
		return storage.Write(s.cfg.Name, "write", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return storage.Write(s.cfg.Name, "write", key, storage.ErrNotConnected)
	}
	s.writes[key]++
	if !s.cfg.Discard {
		s.values[key] = value
	}
	return nil
}

// ReadRecord returns the value written under key. With Discard set, keys that
// were written read back as the empty string.
func (s *Store) ReadRecord(ctx context.Context, key string) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", storage.Read(s.cfg.Name, key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return "", storage.Read(s.cfg.Name, key, storage.ErrNotConnected)
	}
	if s.writes[key] == 0 {
		return "", storage.Read(s.cfg.Name, key, storage.ErrNotFound)
	}
	s.reads++
	return s.values[key], nil
}

func (s *Store) wait(ctx context.Context) error {
	if s.cfg.Latency <= 0 {
		return nil
	}
	timer := time.NewTimer(s.cfg.Latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

// Get returns the stored value for key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Len returns the number of distinct keys written since the last prepare.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.writes)
}

// Writes returns how many times key was written since the last prepare.
func (s *Store) Writes(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes[key]
}

// Reads returns the number of successful ReadRecord calls since the last
// prepare.
func (s *Store) Reads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads
}

// Keys returns the written keys in lexical order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.writes))
	for k := range s.writes {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Prepares returns the number of successful PrepareSchema calls.
func (s *Store) Prepares() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prepares
}
