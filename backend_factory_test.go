package storebench

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"pkt.systems/storebench/internal/storage"
	"pkt.systems/storebench/internal/storage/bolt"
	"pkt.systems/storebench/internal/storage/logging"
	"pkt.systems/storebench/internal/storage/memory"
	"pkt.systems/storebench/internal/storage/sqldb"
)

func TestBackendNamesSortedAndComplete(t *testing.T) {
	t.Parallel()
	names := BackendNames()
	if !sort.StringsAreSorted(names) {
		t.Fatalf("names not sorted: %v", names)
	}
	want := []string{"aws", "azure", "bolt", "clickhouse", "disk", "etcd", "fake", "kafka", "memory", "mongodb", "mysql", "nats", "postgres", "qdrant", "redis", "s3", "sqlite"}
	if len(names) != len(want) {
		t.Fatalf("expected %d backends, got %v", len(want), names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("backend %d: got %q want %q", i, names[i], want[i])
		}
	}
	for _, info := range Backends() {
		if info.Description == "" {
			t.Fatalf("backend %s has no description", info.Name)
		}
	}
}

func TestIsBackend(t *testing.T) {
	t.Parallel()
	if !IsBackend(" Redis ") {
		t.Fatal("expected redis to be known")
	}
	if IsBackend("cassandra") {
		t.Fatal("cassandra should be unknown")
	}
}

func TestResolveTargetDefaults(t *testing.T) {
	t.Parallel()
	if got := ResolveTarget(Config{Backend: "redis"}); got != "redis://127.0.0.1:6379/0" {
		t.Fatalf("unexpected redis default %q", got)
	}
	if got := ResolveTarget(Config{Backend: "redis", Target: "redis://cache:6379/2"}); got != "redis://cache:6379/2" {
		t.Fatalf("explicit target ignored: %q", got)
	}
	if got := ResolveTarget(Config{Backend: "memory"}); got != "" {
		t.Fatalf("memory has no target, got %q", got)
	}
}

func TestOpenAdapterConstructsWithoutConnecting(t *testing.T) {
	t.Setenv("AZURE_STORAGE_KEY", "c3RvcmViZW5jaA==")
	for _, name := range BackendNames() {
		cfg := Config{Backend: name}
		switch name {
		case "disk", "bolt", "sqlite":
			cfg.Target = filepath.Join(t.TempDir(), name)
		case "azure":
			cfg.Target = "azure://devstoreaccount1/storebench?endpoint=http://127.0.0.1:10000/devstoreaccount1"
		}
		b, err := openAdapter(cfg, nil)
		if err != nil {
			t.Fatalf("%s: open: %v", name, err)
		}
		if b == nil {
			t.Fatalf("%s: nil backend", name)
		}
		if logging.Unwrap(b) == b {
			t.Fatalf("%s: expected logging wrapper", name)
		}
		if err := b.Close(); err != nil {
			t.Fatalf("%s: close before connect: %v", name, err)
		}
	}
}

func TestOpenAdapterConcreteTypes(t *testing.T) {
	t.Parallel()
	b, err := openAdapter(Config{Backend: "fake"}, nil)
	if err != nil {
		t.Fatalf("open fake: %v", err)
	}
	if _, ok := logging.Unwrap(b).(*memory.Store); !ok {
		t.Fatalf("fake should be a memory store, got %T", logging.Unwrap(b))
	}
	b, err = openAdapter(Config{Backend: "sqlite", Target: filepath.Join(t.TempDir(), "db.sqlite")}, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, ok := logging.Unwrap(b).(*sqldb.Store); !ok {
		t.Fatalf("sqlite should be a sqldb store, got %T", logging.Unwrap(b))
	}
	b, err = openAdapter(Config{Backend: "bolt", Target: "file:" + filepath.Join(t.TempDir(), "db.bolt")}, nil)
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	if _, ok := logging.Unwrap(b).(*bolt.Store); !ok {
		t.Fatalf("unexpected bolt type %T", logging.Unwrap(b))
	}
}

func TestReadCapabilityMatchesAdapters(t *testing.T) {
	t.Setenv("AZURE_STORAGE_KEY", "c3RvcmViZW5jaA==")
	for _, info := range Backends() {
		cfg := Config{Backend: info.Name}
		switch info.Name {
		case "disk", "bolt", "sqlite":
			cfg.Target = filepath.Join(t.TempDir(), info.Name)
		case "azure":
			cfg.Target = "azure://devstoreaccount1/storebench?endpoint=http://127.0.0.1:10000/devstoreaccount1"
		}
		b, err := openAdapter(cfg, nil)
		if err != nil {
			t.Fatalf("%s: open: %v", info.Name, err)
		}
		if _, ok := b.(storage.Reader); ok != info.Reads {
			t.Fatalf("%s: wrapped adapter reader=%v, advertised %v", info.Name, ok, info.Reads)
		}
		if _, ok := logging.Unwrap(b).(storage.Reader); ok != info.Reads {
			t.Fatalf("%s: adapter reader=%v, advertised %v", info.Name, ok, info.Reads)
		}
		_ = b.Close()
	}
}

func TestOpenAdapterBadTarget(t *testing.T) {
	t.Parallel()
	if _, err := openAdapter(Config{Backend: "s3", Target: "s3://"}, nil); err == nil {
		t.Fatal("expected s3 target without bucket to fail")
	}
	if _, err := openAdapter(Config{Backend: "unknown"}, nil); err == nil {
		t.Fatal("expected unknown backend to fail")
	}
}

func TestOpenAdapterWriteBeforeConnect(t *testing.T) {
	t.Parallel()
	b, err := openAdapter(Config{Backend: "memory"}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.WriteRecord(context.Background(), "k", "v"); !storage.IsWrite(err) {
		t.Fatalf("expected write error before connect, got %v", err)
	}
}
