package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis"

	"pkt.systems/storebench/internal/storage"
)

func startStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(srv.Close)
	s, err := New(srv.Addr(), 8)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, srv
}

func TestWriteAndFlush(t *testing.T) {
	s, srv := startStore(t)
	ctx := context.Background()
	if err := s.HealthCheck(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := s.WriteRecord(ctx, "k1", "v1"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got, err := srv.Get("k1"); err != nil || got != "v1" {
		t.Fatalf("server value = %q, %v", got, err)
	}
	for i := 0; i < 2; i++ {
		if err := s.PrepareSchema(ctx); err != nil {
			t.Fatalf("prepare: %v", err)
		}
	}
	if srv.Exists("k1") {
		t.Fatal("expected key flushed")
	}
}

func TestConnectFailure(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	addr := srv.Addr()
	srv.Close()
	s, _ := New("redis://"+addr+"/0", 1)
	if err := s.Connect(context.Background()); !storage.IsConnection(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestParseURLSelectsDB(t *testing.T) {
	s, err := New("redis://127.0.0.1:6379/3", 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.DB() != 3 {
		t.Fatalf("expected db 3, got %d", s.DB())
	}
	if _, err := New("redis://127.0.0.1:6379/notanumber", 0); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestReadRecord(t *testing.T) {
	s, srv := startStore(t)
	ctx := context.Background()
	if err := srv.Set("k1", "v1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if got, err := s.ReadRecord(ctx, "k1"); err != nil || got != "v1" {
		t.Fatalf("read = %q, %v", got, err)
	}
	_, err := s.ReadRecord(ctx, "k2")
	if !storage.IsRead(err) || !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not-found read error, got %v", err)
	}
}
