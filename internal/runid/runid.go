// Package runid mints identifiers for benchmark runs and the client
// connections they open.
package runid

import (
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// New returns a time-ordered UUIDv7 identifying one run. It panics if the
// random source fails.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Client returns a short client name such as "storebench-d3h5...". Brokers
// that show connection names (NATS, Kafka) get one per run.
func Client() string {
	return "storebench-" + xid.New().String()
}
