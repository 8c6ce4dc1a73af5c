// Package stats accumulates write outcomes from concurrent tasks without a
// shared lock and summarises them once a run has drained.
package stats

import (
	"math"
	"sync/atomic"
	"time"
)

const noMin = int64(math.MaxInt64)

// Aggregator is safe for concurrent use by any number of writers.
type Aggregator struct {
	attempted      atomic.Int64
	succeeded      atomic.Int64
	failed         atomic.Int64
	failedAttempts atomic.Int64
	minNs          atomic.Int64
	maxNs          atomic.Int64
	sumNs          atomic.Int64
	hist           histogram
}

// NewAggregator returns a zeroed Aggregator.
func NewAggregator() *Aggregator {
	a := &Aggregator{}
	a.minNs.Store(noMin)
	return a
}

// RecordAttempt counts one dispatched record.
func (a *Aggregator) RecordAttempt() {
	a.attempted.Add(1)
}

// RecordSuccess counts a completed write and folds its latency into the
// extrema, sum and histogram.
func (a *Aggregator) RecordSuccess(latency time.Duration) {
	ns := int64(latency)
	if ns < 0 {
		ns = 0
	}
	a.succeeded.Add(1)
	a.sumNs.Add(ns)
	for {
		cur := a.minNs.Load()
		if ns >= cur || a.minNs.CompareAndSwap(cur, ns) {
			break
		}
	}
	for {
		cur := a.maxNs.Load()
		if ns <= cur || a.maxNs.CompareAndSwap(cur, ns) {
			break
		}
	}
	a.hist.observe(ns)
}

// RecordFailedAttempt counts one failed write attempt, retried or not.
func (a *Aggregator) RecordFailedAttempt() {
	a.failedAttempts.Add(1)
}

// RecordFailure counts a record whose retry budget was exhausted.
func (a *Aggregator) RecordFailure() {
	a.failed.Add(1)
}

// Attempted returns the dispatched count so far.
func (a *Aggregator) Attempted() int64 {
	return a.attempted.Load()
}

// Completed returns succeeded plus permanently failed records so far.
func (a *Aggregator) Completed() int64 {
	return a.succeeded.Load() + a.failed.Load()
}

// Snapshot reads every counter. Fields are read individually; the result is
// only exact once no writers remain.
func (a *Aggregator) Snapshot() Snapshot {
	s := Snapshot{
		Succeeded:      a.succeeded.Load(),
		Failed:         a.failed.Load(),
		FailedAttempts: a.failedAttempts.Load(),
		Sum:            time.Duration(a.sumNs.Load()),
		Max:            time.Duration(a.maxNs.Load()),
		Buckets:        a.hist.counts(),
	}
	// attempted is read last so Succeeded+Failed <= Attempted holds for
	// concurrent observers.
	s.Attempted = a.attempted.Load()
	if minNs := a.minNs.Load(); minNs != noMin {
		s.Min = time.Duration(minNs)
	}
	return s
}
