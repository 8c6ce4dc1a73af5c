package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"

	"pkt.systems/storebench/internal/storage"
)

func runServer(t *testing.T, jetstream bool) *server.Server {
	t.Helper()
	srv, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: jetstream,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestBucketLifecycle(t *testing.T) {
	srv := runServer(t, true)
	s, err := New(srv.ClientURL(), "storebench-test", time.Second)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.HealthCheck(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := s.WriteRecord(ctx, "k", "v"); !storage.IsWrite(err) {
		t.Fatalf("expected write error before prepare, got %v", err)
	}
	if err := s.PrepareSchema(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := s.WriteRecord(ctx, "user 1", "alice"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got, err := s.Get("user 1"); err != nil || got != "alice" {
		t.Fatalf("get = %q, %v", got, err)
	}
	if got, err := s.ReadRecord(ctx, "user 1"); err != nil || got != "alice" {
		t.Fatalf("read = %q, %v", got, err)
	}
	if _, err := s.ReadRecord(ctx, "user 2"); !storage.IsRead(err) || !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not-found read error, got %v", err)
	}
	if err := s.PrepareSchema(ctx); err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if _, err := s.Get("user 1"); !errors.Is(err, natsgo.ErrKeyNotFound) {
		t.Fatalf("expected key gone after prepare, got %v", err)
	}
}

func TestConnectWithoutJetStream(t *testing.T) {
	srv := runServer(t, false)
	s, _ := New(srv.ClientURL(), "", time.Second)
	if err := s.Connect(context.Background()); !storage.IsConnection(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestEncodeKey(t *testing.T) {
	if got := EncodeKey("user/1_a=b"); got != "user/1_a=b" {
		t.Fatalf("valid key changed: %q", got)
	}
	if got := EncodeKey("has space"); got != "b64.aGFzIHNwYWNl" {
		t.Fatalf("unexpected encoding %q", got)
	}
	if got := EncodeKey(".lead"); got[:4] != "b64." {
		t.Fatalf("leading dot not encoded: %q", got)
	}
}
