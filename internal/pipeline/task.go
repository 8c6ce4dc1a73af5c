package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/storebench/internal/clock"
	"pkt.systems/storebench/internal/dataset"
	"pkt.systems/storebench/internal/stats"
	"pkt.systems/storebench/internal/storage"
)

// ErrAdapterPanic marks an attempt that panicked inside the backend.
var ErrAdapterPanic = errors.New("pipeline: backend panicked")

// ErrReadUnsupported is returned by read attempts against a backend that does
// not implement storage.Reader.
var ErrReadUnsupported = errors.New("pipeline: backend does not support reads")

// Op selects what a task does with each record.
type Op string

const (
	// OpWrite stores the record's value under its key.
	OpWrite Op = "write"
	// OpRead fetches the record's key. The value is not compared; a missing
	// key is a failed attempt.
	OpRead Op = "read"
)

// RetryPolicy is a fixed attempt budget with a fixed pause between attempts.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// Outcome is the result of one record's retry loop.
type Outcome struct {
	Record   dataset.Record
	Success  bool
	Latency  time.Duration
	Attempts int
	Err      error
}

// Observer receives every attempt. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveAttempt(ctx context.Context, latency time.Duration, err error)
}

// WriteTask applies Op to single records with bounded retry and records
// outcomes. The zero Op writes.
type WriteTask struct {
	Backend  storage.Backend
	Op       Op
	Name     string
	Stats    *stats.Aggregator
	Retry    RetryPolicy
	Timeout  time.Duration
	Clock    clock.Clock
	Logger   pslog.Logger
	Observer Observer
}

// Run performs up to Retry.Attempts operations on rec. It never panics and never
// returns an error; the outcome is folded into Stats and returned.
func (t *WriteTask) Run(ctx context.Context, rec dataset.Record) Outcome {
	attempts := t.Retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	clk := clock.Or(t.Clock)
	out := Outcome{Record: rec}
	for attempt := 1; attempt <= attempts; attempt++ {
		out.Attempts = attempt
		start := clk.Now()
		err := t.attempt(ctx, rec)
		latency := clk.Since(start)
		if t.Observer != nil {
			t.Observer.ObserveAttempt(ctx, latency, err)
		}
		if err == nil {
			out.Success = true
			out.Latency = latency
			out.Err = nil
			t.Stats.RecordSuccess(latency)
			return out
		}
		out.Err = err
		t.Stats.RecordFailedAttempt()
		if t.Logger != nil {
			t.Logger.Debug("task.attempt.failed", "op", t.op(), "key", rec.Key, "attempt", attempt, "error", err)
		}
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		if t.Retry.Delay > 0 {
			select {
			case <-clk.After(t.Retry.Delay):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
	}
	t.Stats.RecordFailure()
	if t.Logger != nil {
		t.Logger.Warn("task.failed", "op", t.op(), "key", rec.Key, "line", rec.Line, "attempts", out.Attempts, "error", out.Err)
	}
	return out
}

func (t *WriteTask) op() Op {
	if t.Op == "" {
		return OpWrite
	}
	return t.Op
}

func (t *WriteTask) attempt(ctx context.Context, rec dataset.Record) (err error) {
	op := t.op()
	defer func() {
		if r := recover(); r != nil {
			panicErr := fmt.Errorf("%w: %v", ErrAdapterPanic, r)
			if op == OpRead {
				err = storage.Read(t.Name, rec.Key, panicErr)
			} else {
				err = storage.Write(t.Name, "write", rec.Key, panicErr)
			}
		}
	}()
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	if op == OpRead {
		reader, ok := t.Backend.(storage.Reader)
		if !ok {
			return storage.Read(t.Name, rec.Key, ErrReadUnsupported)
		}
		_, err = reader.ReadRecord(ctx, rec.Key)
		return err
	}
	return t.Backend.WriteRecord(ctx, rec.Key, rec.Value)
}
