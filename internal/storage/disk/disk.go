// Package disk stores each record as one file below a root directory.
package disk

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"pkt.systems/storebench/internal/storage"
)

const name = "disk"

// Config captures the tunables for the disk backend.
type Config struct {
	// Root is the directory holding records/ and tmp/.
	Root string
	// Fsync syncs every record file before it is renamed into place.
	Fsync bool
}

// Store implements storage.Backend on the local filesystem. Each write goes
// through a temp file and a rename so readers never see partial records.
type Store struct {
	root       string
	recordsDir string
	tmpDir     string
	fsync      bool
	connected  atomic.Bool
}

// New returns a Store rooted at cfg.Root. Nothing touches disk until Connect.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	return &Store{
		root:       root,
		recordsDir: filepath.Join(root, "records"),
		tmpDir:     filepath.Join(root, "tmp"),
		fsync:      cfg.Fsync,
	}, nil
}

// Root returns the configured root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) Connect(ctx context.Context) error {
	for _, dir := range []string{s.recordsDir, s.tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return storage.Connection(name, "connect", fmt.Errorf("prepare directory %q: %w", dir, err))
		}
	}
	s.connected.Store(true)
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if !s.connected.Load() {
		return storage.Connection(name, "health", storage.ErrNotConnected)
	}
	info, err := os.Stat(s.root)
	if err != nil {
		return storage.Connection(name, "health", err)
	}
	if !info.IsDir() {
		return storage.Connection(name, "health", fmt.Errorf("%s is not a directory", s.root))
	}
	return nil
}

// PrepareSchema removes every record and recreates the empty layout.
func (s *Store) PrepareSchema(ctx context.Context) error {
	if !s.connected.Load() {
		return storage.Write(name, "prepare", "", storage.ErrNotConnected)
	}
	for _, dir := range []string{s.recordsDir, s.tmpDir} {
		if err := os.RemoveAll(dir); err != nil {
			return storage.Write(name, "prepare", "", err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return storage.Write(name, "prepare", "", err)
		}
	}
	return nil
}

func (s *Store) WriteRecord(ctx context.Context, key, value string) error {
	if !s.connected.Load() {
		return storage.Write(name, "write", key, storage.ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return storage.Write(name, "write", key, err)
	}
	dest, err := s.recordPath(key)
	if err != nil {
		return storage.Write(name, "write", key, err)
	}
	return storage.Write(name, "write", key, s.writeAtomic(dest, []byte(value)))
}

func (s *Store) Close() error {
	s.connected.Store(false)
	return nil
}

// ReadRecord returns the contents of key's record file.
func (s *Store) ReadRecord(ctx context.Context, key string) (string, error) {
	if !s.connected.Load() {
		return "", storage.Read(name, key, storage.ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return "", storage.Read(name, key, err)
	}
	v, err := s.Read(key)
	if errors.Is(err, os.ErrNotExist) {
		err = storage.ErrNotFound
	}
	return v, storage.Read(name, key, err)
}

// Read returns the stored value for key.
func (s *Store) Read(key string) (string, error) {
	p, err := s.recordPath(key)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p)
	return string(b), err
}

// Count returns the number of record files.
func (s *Store) Count() (int, error) {
	entries, err := os.ReadDir(s.recordsDir)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (s *Store) recordPath(key string) (string, error) {
	if key == "" {
		return "", errors.New("key required")
	}
	encoded := url.PathEscape(key)
	if encoded == "." || strings.Contains(encoded, "..") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.recordsDir, encoded), nil
}

func (s *Store) writeAtomic(dest string, payload []byte) error {
	tmp, err := os.CreateTemp(s.tmpDir, "record-*")
	if err != nil {
		return err
	}
	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		return cleanup(err)
	}
	if s.fsync {
		if err := tmp.Sync(); err != nil {
			return cleanup(err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
