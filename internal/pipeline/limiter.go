package pipeline

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter is a counting semaphore that caps in-flight write tasks and keeps
// the counters needed to prove the cap held.
type Limiter struct {
	sem      *semaphore.Weighted
	size     int64
	inflight atomic.Int64
	peak     atomic.Int64
	acquired atomic.Int64
	released atomic.Int64
}

// NewLimiter returns a Limiter with n permits. n below one is raised to one.
func NewLimiter(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n)), size: int64(n)}
}

// Acquire blocks until a permit is free or ctx ends.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	l.acquired.Add(1)
	n := l.inflight.Add(1)
	for {
		cur := l.peak.Load()
		if n <= cur || l.peak.CompareAndSwap(cur, n) {
			break
		}
	}
	return &Permit{limiter: l}, nil
}

// Size returns the configured permit count.
func (l *Limiter) Size() int { return int(l.size) }

// InFlight returns the number of permits currently held.
func (l *Limiter) InFlight() int64 { return l.inflight.Load() }

// Peak returns the highest InFlight value observed.
func (l *Limiter) Peak() int64 { return l.peak.Load() }

// Acquired returns the total number of permits handed out.
func (l *Limiter) Acquired() int64 { return l.acquired.Load() }

// Released returns the total number of permits returned.
func (l *Limiter) Released() int64 { return l.released.Load() }

// Permit is one unit of Limiter capacity.
type Permit struct {
	limiter *Limiter
	done    atomic.Bool
}

// Release returns the permit. Only the first call has an effect.
func (p *Permit) Release() {
	if p == nil || !p.done.CompareAndSwap(false, true) {
		return
	}
	p.limiter.inflight.Add(-1)
	p.limiter.released.Add(1)
	p.limiter.sem.Release(1)
}
