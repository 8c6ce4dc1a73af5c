// Package sqlite writes records into a key_value table of an embedded SQLite
// database through modernc.org/sqlite.
package sqlite

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pkt.systems/storebench/internal/storage/sqldb"
)

// Config configures the SQLite backend.
type Config struct {
	// Path is the database file, or ":memory:".
	Path string
	// BusyTimeout is applied through PRAGMA busy_timeout. Defaults to 5s.
	BusyTimeout time.Duration
}

// Dialect returns the sqldb dialect for cfg. SQLite admits one writer at a
// time, so the pool is pinned to a single connection.
func Dialect(cfg Config) sqldb.Dialect {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	return sqldb.Dialect{
		Name:   "sqlite",
		Driver: "sqlite",
		BeforeOpen: func() error {
			if cfg.Path == ":memory:" {
				return nil
			}
			return os.MkdirAll(filepath.Dir(cfg.Path), 0o755)
		},
		Init: []string{
			fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
		},
		Ping: "SELECT 1",
		Schema: []string{
			"DROP TABLE IF EXISTS key_value",
			"CREATE TABLE key_value (key TEXT PRIMARY KEY, value TEXT NOT NULL)",
		},
		Upsert:       "INSERT INTO key_value (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		MaxOpenConns: 1,
	}
}

// New returns an unopened SQLite store.
func New(cfg Config) (*sqldb.Store, error) {
	cfg.Path = strings.TrimSpace(cfg.Path)
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: path required")
	}
	return sqldb.New(Dialect(cfg), cfg.Path), nil
}
