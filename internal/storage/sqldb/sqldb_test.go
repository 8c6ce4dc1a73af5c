package sqldb_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"pkt.systems/storebench/internal/storage"
	"pkt.systems/storebench/internal/storage/sqldb"
)

func TestConnectInitFailureReleasesPool(t *testing.T) {
	t.Parallel()

	d := sqldb.Dialect{
		Name:   "sqlite",
		Driver: "sqlite",
		Init:   []string{"PRAGMA busy_timeout = 100", "NOT A STATEMENT"},
	}
	s := sqldb.New(d, ":memory:")
	err := s.Connect(context.Background())
	if !storage.IsConnection(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if !strings.Contains(err.Error(), "NOT A STATEMENT") {
		t.Fatalf("expected failing statement in error, got %q", err)
	}
	if err := s.HealthCheck(context.Background()); !errors.Is(err, storage.ErrNotConnected) {
		t.Fatalf("failed connect must not retain the pool, health = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close after failed connect: %v", err)
	}
}

func TestConnectUnknownDriver(t *testing.T) {
	t.Parallel()

	s := sqldb.New(sqldb.Dialect{Name: "nope", Driver: "storebench-missing"}, "")
	if err := s.Connect(context.Background()); !storage.IsConnection(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
}
