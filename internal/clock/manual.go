package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Manual is a Clock that only moves when Advance is called. Waiters fire in
// deadline order.
type Manual struct {
	mu        sync.Mutex
	now       time.Time
	waiters   []waiter
	requested []time.Duration
}

type waiter struct {
	deadline time.Time
	fire     chan time.Time
}

// NewManual returns a Manual clock reading start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// After records d and returns a channel that receives once the clock has
// advanced by d. Non-positive durations fire immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	fire := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requested = append(m.requested, d)
	if d <= 0 {
		fire <- m.now
		return fire
	}
	w := waiter{deadline: m.now.Add(d), fire: fire}
	i := sort.Search(len(m.waiters), func(i int) bool { return m.waiters[i].deadline.After(w.deadline) })
	m.waiters = append(m.waiters, waiter{})
	copy(m.waiters[i+1:], m.waiters[i:])
	m.waiters[i] = w
	return fire
}

func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d (negative values are ignored) and
// releases every waiter whose deadline has passed.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	due := 0
	for due < len(m.waiters) && !m.waiters[due].deadline.After(m.now) {
		m.waiters[due].fire <- m.now
		due++
	}
	m.waiters = append(m.waiters[:0], m.waiters[due:]...)
	return m.now
}

// Pending reports how many waiters have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// Requested returns every duration passed to After or Sleep, in call order.
func (m *Manual) Requested() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.requested...)
}

// BlockUntil waits until at least n waiters are pending or ctx ends.
func (m *Manual) BlockUntil(ctx context.Context, n int) error {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for m.Pending() < n {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}
