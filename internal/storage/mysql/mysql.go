// Package mysql writes records into a MySQL/MariaDB key_value table.
package mysql

import (
	"fmt"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"pkt.systems/storebench/internal/storage/sqldb"
)

// DefaultMaxConns caps the pool below MySQL's default max_connections.
const DefaultMaxConns = 128

// Dialect is the MySQL statement set. `key` is reserved in MySQL and must be
// quoted.
func Dialect(maxConns int) sqldb.Dialect {
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	return sqldb.Dialect{
		Name:   "mysql",
		Driver: "mysql",
		Ping:   "SELECT 1",
		Schema: []string{
			"DROP TABLE IF EXISTS key_value",
			"CREATE TABLE key_value (`key` VARCHAR(255) PRIMARY KEY, `value` TEXT NOT NULL)",
		},
		Upsert:       "INSERT INTO key_value (`key`, `value`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `value` = VALUES(`value`)",
		Lookup:       "SELECT `value` FROM key_value WHERE `key` = ?",
		MaxOpenConns: maxConns,
	}
}

// New parses dsn (go-sql-driver format, e.g. user:pass@tcp(host:3306)/db)
// and returns an unopened store.
func New(dsn string, maxConns int) (*sqldb.Store, error) {
	dsn = strings.TrimPrefix(strings.TrimSpace(dsn), "mysql://")
	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: parse dsn: %w", err)
	}
	if cfg.DBName == "" {
		return nil, fmt.Errorf("mysql: dsn must name a database")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return sqldb.New(Dialect(maxConns), cfg.FormatDSN()), nil
}
