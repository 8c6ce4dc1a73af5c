package storage

import (
	"context"
	"errors"
	"fmt"
)

// Backend is the capability a benchmark run drives. Implementations must be
// safe for concurrent use once Connect has returned; WriteRecord is called
// from up to worker-count goroutines at once.
type Backend interface {
	// Connect establishes the client or pool. Failures are ConnectionErrors.
	Connect(ctx context.Context) error
	// HealthCheck performs one cheap round trip to the store.
	HealthCheck(ctx context.Context) error
	// PrepareSchema drops and recreates whatever the benchmark writes into.
	// Calling it twice leaves the store in the same empty state as calling it
	// once.
	PrepareSchema(ctx context.Context) error
	// WriteRecord stores value under key. Overwrites are allowed.
	WriteRecord(ctx context.Context, key, value string) error
	// Close releases client resources.
	Close() error
}

// Reader is implemented by backends that can serve the read workload. The
// runner type-asserts for it; write-only stores such as Kafka leave it out.
type Reader interface {
	// ReadRecord returns the value stored under key. A missing key yields a
	// ReadError wrapping ErrNotFound.
	ReadRecord(ctx context.Context, key string) (string, error)
}

// ErrNotConnected is returned by adapters used before Connect.
var ErrNotConnected = errors.New("storage: not connected")

// ErrNotFound reports that a read found no value under the key.
var ErrNotFound = errors.New("storage: record not found")

// ConnectionError reports that a backend could not be reached or
// authenticated against.
type ConnectionError struct {
	Backend string
	Op      string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: connection error: %v", e.Backend, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// WriteError reports a failed schema preparation or record write.
type WriteError struct {
	Backend string
	Op      string
	Key     string
	Err     error
}

func (e *WriteError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s %q: write error: %v", e.Backend, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %s: write error: %v", e.Backend, e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ReadError reports a failed record read.
type ReadError struct {
	Backend string
	Key     string
	Err     error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s: read %q: read error: %v", e.Backend, e.Key, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Connection wraps err as a ConnectionError. A nil err yields nil.
func Connection(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectionError{Backend: backend, Op: op, Err: err}
}

// Write wraps err as a WriteError. A nil err yields nil.
func Write(backend, op, key string, err error) error {
	if err == nil {
		return nil
	}
	var we *WriteError
	if errors.As(err, &we) {
		return err
	}
	return &WriteError{Backend: backend, Op: op, Key: key, Err: err}
}

// IsConnection reports whether err carries a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsWrite reports whether err carries a WriteError.
func IsWrite(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}

// Read wraps err as a ReadError. A nil err yields nil.
func Read(backend, key string, err error) error {
	if err == nil {
		return nil
	}
	var re *ReadError
	if errors.As(err, &re) {
		return err
	}
	return &ReadError{Backend: backend, Key: key, Err: err}
}

// IsRead reports whether err carries a ReadError.
func IsRead(err error) bool {
	var re *ReadError
	return errors.As(err, &re)
}
