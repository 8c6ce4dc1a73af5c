package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"pkt.systems/storebench/internal/dataset"
)

// ErrQueueClosed is returned by Push after Close.
var ErrQueueClosed = errors.New("pipeline: queue closed")

// Queue is a bounded buffer between one producer and one consumer. Push
// blocks while the queue is full; Pop blocks while it is empty and reports
// end-of-stream only once the queue is closed and drained.
//
// Push and Close belong to the producer goroutine.
type Queue struct {
	ch        chan dataset.Record
	closed    atomic.Bool
	closeOnce sync.Once
	pushed    atomic.Int64
	popped    atomic.Int64
}

// NewQueue returns a queue holding at most capacity records. Capacities
// below one are raised to one.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan dataset.Record, capacity)}
}

// Push enqueues rec, blocking while the queue is full.
func (q *Queue) Push(ctx context.Context, rec dataset.Record) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.ch <- rec:
		q.pushed.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the next record. ok is false once the queue is closed and
// empty.
func (q *Queue) Pop(ctx context.Context) (rec dataset.Record, ok bool, err error) {
	select {
	case rec, ok = <-q.ch:
		if ok {
			q.popped.Add(1)
		}
		return rec, ok, nil
	case <-ctx.Done():
		return dataset.Record{}, false, ctx.Err()
	}
}

// Close signals end of stream. Records already queued remain poppable.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.ch)
	})
}

// Len returns the number of queued records.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Pushed returns the number of records accepted so far.
func (q *Queue) Pushed() int64 { return q.pushed.Load() }

// Popped returns the number of records handed to the consumer so far.
func (q *Queue) Popped() int64 { return q.popped.Load() }
