package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"pkt.systems/storebench/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: "file:" + filepath.Join(t.TempDir(), "nested", "bench.bolt"), NoSync: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWriteRequiresPrepare(t *testing.T) {
	s := openStore(t)
	if err := s.WriteRecord(context.Background(), "k", "v"); !storage.IsWrite(err) {
		t.Fatalf("expected write error without bucket, got %v", err)
	}
}

func TestPrepareResetsBucket(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.HealthCheck(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := s.PrepareSchema(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := s.WriteRecord(ctx, "a", "1"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.PrepareSchema(ctx); err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if n, err := s.Count(); err != nil || n != 0 {
		t.Fatalf("expected empty bucket, got n=%d err=%v", n, err)
	}
}

func TestConcurrentWrites(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.PrepareSchema(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i%26))
			if err := s.WriteRecord(ctx, key, "v"); err != nil {
				t.Errorf("write %s: %v", key, err)
			}
		}(i)
	}
	wg.Wait()
	if n, _ := s.Count(); n != 26 {
		t.Fatalf("expected 26 keys, got %d", n)
	}
	if v, ok, err := s.Get("c"); err != nil || !ok || v != "v" {
		t.Fatalf("get = %q %v %v", v, ok, err)
	}
}

func TestHealthBeforeConnect(t *testing.T) {
	s, _ := New(Config{Path: filepath.Join(t.TempDir(), "x.bolt")})
	if err := s.HealthCheck(context.Background()); !storage.IsConnection(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestReadRecord(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if _, err := s.ReadRecord(ctx, "k"); !storage.IsRead(err) {
		t.Fatalf("expected read error without bucket, got %v", err)
	}
	if err := s.PrepareSchema(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := s.WriteRecord(ctx, "k", "v"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got, err := s.ReadRecord(ctx, "k"); err != nil || got != "v" {
		t.Fatalf("read = %q, %v", got, err)
	}
	if _, err := s.ReadRecord(ctx, "other"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
