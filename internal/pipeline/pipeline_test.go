package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/storebench/internal/clock"
	"pkt.systems/storebench/internal/dataset"
	"pkt.systems/storebench/internal/pipeline"
	"pkt.systems/storebench/internal/stats"
	"pkt.systems/storebench/internal/storage"
)

// driveClock advances clk by step whenever a task is parked on a retry delay,
// until the test ends.
func driveClock(t *testing.T, clk *clock.Manual, step time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for clk.BlockUntil(ctx, 1) == nil {
			clk.Advance(step)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

type stubBackend struct {
	mu        sync.Mutex
	calls     map[string]int
	failKeys  map[string]bool
	panicKeys map[string]bool
	delay     time.Duration
	onWrite   func(key string)

	inflight    atomic.Int64
	maxInflight atomic.Int64
}

func newStub() *stubBackend {
	return &stubBackend{
		calls:     map[string]int{},
		failKeys:  map[string]bool{},
		panicKeys: map[string]bool{},
	}
}

func (s *stubBackend) Connect(context.Context) error       { return nil }
func (s *stubBackend) HealthCheck(context.Context) error   { return nil }
func (s *stubBackend) PrepareSchema(context.Context) error { return nil }
func (s *stubBackend) Close() error                        { return nil }

func (s *stubBackend) WriteRecord(ctx context.Context, key, value string) error {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		cur := s.maxInflight.Load()
		if n <= cur || s.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	s.mu.Lock()
	s.calls[key]++
	fail := s.failKeys[key]
	boom := s.panicKeys[key]
	s.mu.Unlock()
	if s.onWrite != nil {
		s.onWrite(key)
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if boom {
		panic("boom " + key)
	}
	if fail {
		return storage.Write("stub", "write", key, errors.New("injected"))
	}
	return nil
}

func (s *stubBackend) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func (s *stubBackend) Keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func source(lines ...string) pipeline.Source {
	return dataset.NewReader("test", strings.NewReader(strings.Join(lines, "\n")+"\n"), dataset.Options{})
}

func generated(n int) pipeline.Source {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "key%d,value%d\n", i, i)
	}
	return dataset.NewReader("generated", strings.NewReader(b.String()), dataset.Options{})
}

func runAll(t *testing.T, p *pipeline.Pipeline, src pipeline.Source) int64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	dispatched, err := p.Stream(ctx, src)
	p.Drain()
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	return dispatched
}

func TestEndToEndThreeRecords(t *testing.T) {
	t.Parallel()

	backend := newStub()
	agg := stats.NewAggregator()
	p := pipeline.New(pipeline.Config{Workers: 2, Retry: pipeline.RetryPolicy{Attempts: 10, Delay: 100 * time.Millisecond}}, backend, agg)
	start := time.Now()
	dispatched := runAll(t, p, source("a,1", "b,2", "c,3"))
	elapsed := time.Since(start)

	snap := agg.Snapshot()
	if dispatched != 3 || snap.Succeeded != 3 || snap.Failed != 0 {
		t.Fatalf("expected 3/0 of 3, got %d/%d of %d", snap.Succeeded, snap.Failed, dispatched)
	}
	if snap.Throughput(elapsed) <= 0 {
		t.Fatalf("expected positive throughput")
	}
	for _, key := range []string{"a", "b", "c"} {
		if got := backend.Calls(key); got != 1 {
			t.Fatalf("key %s written %d times", key, got)
		}
	}
}

func TestFaultInjectionExhaustsRetries(t *testing.T) {
	t.Parallel()

	const attempts = 4
	backend := newStub()
	backend.failKeys["b"] = true
	agg := stats.NewAggregator()
	epoch := time.Unix(0, 0)
	clk := clock.NewManual(epoch)
	driveClock(t, clk, 100*time.Millisecond)
	p := pipeline.New(pipeline.Config{Workers: 2, Retry: pipeline.RetryPolicy{Attempts: attempts, Delay: 100 * time.Millisecond}}, backend, agg, pipeline.WithClock(clk))
	runAll(t, p, source("a,1", "b,2", "c,3"))

	snap := agg.Snapshot()
	if snap.Succeeded != 2 || snap.Failed != 1 {
		t.Fatalf("expected 2/1, got %d/%d", snap.Succeeded, snap.Failed)
	}
	if got := backend.Calls("b"); got != attempts {
		t.Fatalf("expected %d attempts for b, got %d", attempts, got)
	}
	if snap.FailedAttempts != attempts {
		t.Fatalf("expected %d failed attempts, got %d", attempts, snap.FailedAttempts)
	}
	delays := clk.Requested()
	if len(delays) != attempts-1 {
		t.Fatalf("expected %d retry delays, got %v", attempts-1, delays)
	}
	for _, d := range delays {
		if d != 100*time.Millisecond {
			t.Fatalf("expected fixed delay, got %v", d)
		}
	}
	if waited := clk.Since(epoch); waited != (attempts-1)*100*time.Millisecond {
		t.Fatalf("expected clock to advance %v, advanced %v", (attempts-1)*100*time.Millisecond, waited)
	}
}

func TestAlwaysFailingReleasesPermitOnce(t *testing.T) {
	t.Parallel()

	backend := newStub()
	backend.failKeys["only"] = true
	agg := stats.NewAggregator()
	clk := clock.NewManual(time.Unix(0, 0))
	driveClock(t, clk, time.Millisecond)
	p := pipeline.New(pipeline.Config{Workers: 1, Retry: pipeline.RetryPolicy{Attempts: 10, Delay: time.Millisecond}}, backend, agg, pipeline.WithClock(clk))
	runAll(t, p, source("only,1"))

	if got := backend.Calls("only"); got != 10 {
		t.Fatalf("expected exactly 10 attempts, got %d", got)
	}
	delays := clk.Requested()
	if len(delays) != 9 {
		t.Fatalf("expected 9 retry delays, got %v", delays)
	}
	for _, d := range delays {
		if d != time.Millisecond {
			t.Fatalf("expected fixed 1ms delay, got %v", d)
		}
	}
	lim := p.Limiter()
	if lim.Acquired() != lim.Released() {
		t.Fatalf("acquired %d released %d", lim.Acquired(), lim.Released())
	}
	if lim.InFlight() != 0 {
		t.Fatalf("expected no permits outstanding, got %d", lim.InFlight())
	}
}

func TestPermitBound(t *testing.T) {
	t.Parallel()

	const workers = 4
	backend := newStub()
	backend.delay = time.Millisecond
	agg := stats.NewAggregator()
	p := pipeline.New(pipeline.Config{Workers: workers, QueueCapacity: 64, Retry: pipeline.RetryPolicy{Attempts: 1}}, backend, agg)
	runAll(t, p, generated(200))

	if peak := p.Limiter().Peak(); peak > workers {
		t.Fatalf("limiter peak %d exceeds %d", peak, workers)
	}
	if got := backend.maxInflight.Load(); got > workers {
		t.Fatalf("backend saw %d concurrent writes, cap %d", got, workers)
	}
	if backend.Keys() != 200 {
		t.Fatalf("expected 200 distinct keys, got %d", backend.Keys())
	}
}

func TestCountsBalanceAcrossSizes(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		records int
		workers int
	}{
		{0, 1}, {1, 1}, {17, 1}, {100, 3}, {250, 64},
	} {
		tc := tc
		t.Run(fmt.Sprintf("n%d_w%d", tc.records, tc.workers), func(t *testing.T) {
			t.Parallel()
			backend := newStub()
			for i := 0; i < tc.records; i += 7 {
				backend.failKeys[fmt.Sprintf("key%d", i)] = true
			}
			agg := stats.NewAggregator()
			clk := clock.NewManual(time.Unix(0, 0))
			p := pipeline.New(pipeline.Config{Workers: tc.workers, Retry: pipeline.RetryPolicy{Attempts: 2}}, backend, agg, pipeline.WithClock(clk))
			dispatched := runAll(t, p, generated(tc.records))
			snap := agg.Snapshot()
			if dispatched != int64(tc.records) || snap.Attempted != dispatched {
				t.Fatalf("dispatched %d attempted %d want %d", dispatched, snap.Attempted, tc.records)
			}
			if snap.Succeeded+snap.Failed != dispatched {
				t.Fatalf("succeeded %d + failed %d != %d", snap.Succeeded, snap.Failed, dispatched)
			}
			if delays := clk.Requested(); len(delays) != 0 {
				t.Fatalf("zero retry delay must not wait, got %v", delays)
			}
		})
	}
}

func TestBackpressureBoundsResidentRecords(t *testing.T) {
	t.Parallel()

	const (
		capacity = 1
		workers  = 1
	)
	backend := newStub()
	backend.delay = 200 * time.Microsecond
	agg := stats.NewAggregator()
	p := pipeline.New(pipeline.Config{Workers: workers, QueueCapacity: capacity, Retry: pipeline.RetryPolicy{Attempts: 1}}, backend, agg)
	var worst atomic.Int64
	backend.onWrite = func(string) {
		resident := p.Queue().Pushed() - agg.Completed()
		for {
			cur := worst.Load()
			if resident <= cur || worst.CompareAndSwap(cur, resident) {
				break
			}
		}
	}
	runAll(t, p, generated(100))

	if got := worst.Load(); got > capacity+workers {
		t.Fatalf("resident records reached %d, bound %d", got, capacity+workers)
	}
	if agg.Snapshot().Succeeded != 100 {
		t.Fatalf("expected all 100 records written")
	}
}

func TestPanickingBackendCountsAsFailure(t *testing.T) {
	t.Parallel()

	backend := newStub()
	backend.panicKeys["x"] = true
	agg := stats.NewAggregator()
	var outcomes sync.Map
	p := pipeline.New(pipeline.Config{Workers: 2, Retry: pipeline.RetryPolicy{Attempts: 3}}, backend, agg,
		pipeline.WithClock(clock.NewManual(time.Unix(0, 0))),
		pipeline.WithOutcomeHook(func(o pipeline.Outcome) { outcomes.Store(o.Record.Key, o) }),
	)
	runAll(t, p, source("x,1", "y,2"))

	snap := agg.Snapshot()
	if snap.Succeeded != 1 || snap.Failed != 1 {
		t.Fatalf("expected 1/1, got %d/%d", snap.Succeeded, snap.Failed)
	}
	if backend.Calls("x") != 3 {
		t.Fatalf("expected 3 attempts for panicking key, got %d", backend.Calls("x"))
	}
	v, ok := outcomes.Load("x")
	if !ok {
		t.Fatalf("missing outcome for x")
	}
	out := v.(pipeline.Outcome)
	if !errors.Is(out.Err, pipeline.ErrAdapterPanic) || !storage.IsWrite(out.Err) {
		t.Fatalf("expected wrapped panic write error, got %v", out.Err)
	}
	if lim := p.Limiter(); lim.InFlight() != 0 || lim.Acquired() != lim.Released() {
		t.Fatalf("permits leaked: inflight=%d acquired=%d released=%d", lim.InFlight(), lim.Acquired(), lim.Released())
	}
}

type failingSource struct {
	n   int
	err error
}

func (f *failingSource) Next() (dataset.Record, error) {
	if f.n == 0 {
		return dataset.Record{}, f.err
	}
	f.n--
	return dataset.Record{Key: fmt.Sprintf("k%d", f.n), Value: "v"}, nil
}

func TestSourceErrorAbortsStream(t *testing.T) {
	t.Parallel()

	dsErr := &dataset.Error{Path: "bad.csv", Line: 4, Err: dataset.ErrMissingDelimiter}
	backend := newStub()
	agg := stats.NewAggregator()
	p := pipeline.New(pipeline.Config{Workers: 2, Retry: pipeline.RetryPolicy{Attempts: 1}}, backend, agg)
	_, err := p.Stream(context.Background(), &failingSource{n: 3, err: dsErr})
	p.Drain()
	if !dataset.IsError(err) {
		t.Fatalf("expected dataset error, got %v", err)
	}
	if lim := p.Limiter(); lim.InFlight() != 0 {
		t.Fatalf("permits outstanding after abort: %d", lim.InFlight())
	}
}

func TestCancelStopsStream(t *testing.T) {
	t.Parallel()

	backend := newStub()
	backend.delay = 5 * time.Millisecond
	agg := stats.NewAggregator()
	p := pipeline.New(pipeline.Config{Workers: 1, QueueCapacity: 1, Retry: pipeline.RetryPolicy{Attempts: 1}}, backend, agg)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	dispatched, err := p.Stream(ctx, generated(10000))
	p.Drain()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if dispatched >= 10000 {
		t.Fatalf("expected early stop, dispatched %d", dispatched)
	}
	snap := agg.Snapshot()
	if snap.Succeeded+snap.Failed != dispatched {
		t.Fatalf("succeeded %d + failed %d != dispatched %d", snap.Succeeded, snap.Failed, dispatched)
	}
}

func TestRateLimitPacesDispatch(t *testing.T) {
	t.Parallel()

	backend := newStub()
	agg := stats.NewAggregator()
	p := pipeline.New(pipeline.Config{Workers: 8, RateLimit: 200, Retry: pipeline.RetryPolicy{Attempts: 1}}, backend, agg)
	start := time.Now()
	runAll(t, p, generated(21))
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("expected rate limiting to pace 21 writes at 200/s, took %v", elapsed)
	}
}

func TestQueueCloseDrainsThenEnds(t *testing.T) {
	t.Parallel()

	q := pipeline.NewQueue(2)
	ctx := context.Background()
	if err := q.Push(ctx, dataset.Record{Key: "a"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	q.Close()
	if err := q.Push(ctx, dataset.Record{Key: "b"}); !errors.Is(err, pipeline.ErrQueueClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	rec, ok, err := q.Pop(ctx)
	if err != nil || !ok || rec.Key != "a" {
		t.Fatalf("expected a, got %+v ok=%v err=%v", rec, ok, err)
	}
	if _, ok, err := q.Pop(ctx); ok || err != nil {
		t.Fatalf("expected end of stream, got ok=%v err=%v", ok, err)
	}
}

func TestQueuePushBlocksWhenFull(t *testing.T) {
	t.Parallel()

	q := pipeline.NewQueue(1)
	if err := q.Push(context.Background(), dataset.Record{Key: "a"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Push(ctx, dataset.Record{Key: "b"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected push to block until deadline, got %v", err)
	}
	if q.Len() != 1 || q.Cap() != 1 {
		t.Fatalf("unexpected len/cap %d/%d", q.Len(), q.Cap())
	}
}

func TestPermitReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	lim := pipeline.NewLimiter(1)
	permit, err := lim.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	permit.Release()
	permit.Release()
	if lim.Released() != 1 || lim.InFlight() != 0 {
		t.Fatalf("expected a single release, got released=%d inflight=%d", lim.Released(), lim.InFlight())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	second, err := lim.Acquire(ctx)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	blocked, cancelBlocked := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelBlocked()
	if _, err := lim.Acquire(blocked); err == nil {
		t.Fatalf("expected acquire beyond size to block")
	}
	second.Release()
}

// readStub serves reads from a fixed map. Each hit moves the manual clock by
// cost so measured latencies are exact.
type readStub struct {
	*stubBackend
	values map[string]string
	clk    *clock.Manual
	cost   time.Duration
	reads  atomic.Int64
}

func (r *readStub) ReadRecord(ctx context.Context, key string) (string, error) {
	v, ok := r.values[key]
	if !ok {
		return "", storage.Read("stub", key, storage.ErrNotFound)
	}
	r.clk.Advance(r.cost)
	r.reads.Add(1)
	return v, nil
}

func TestReadWorkloadCountsAndLatency(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	backend := &readStub{
		stubBackend: newStub(),
		values:      map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"},
		clk:         clk,
		cost:        3 * time.Millisecond,
	}
	agg := stats.NewAggregator()
	var outcomes sync.Map
	p := pipeline.New(pipeline.Config{Workers: 1, Op: pipeline.OpRead, Retry: pipeline.RetryPolicy{Attempts: 2}}, backend, agg,
		pipeline.WithClock(clk),
		pipeline.WithOutcomeHook(func(o pipeline.Outcome) { outcomes.Store(o.Record.Key, o) }),
	)
	dispatched := runAll(t, p, source("a,1", "b,2", "c,3", "d,4", "missing,5"))

	snap := agg.Snapshot()
	if dispatched != 5 || snap.Attempted != 5 {
		t.Fatalf("expected 5 dispatched reads, got %d/%d", dispatched, snap.Attempted)
	}
	if snap.Succeeded != 4 || snap.Failed != 1 || snap.FailedAttempts != 2 {
		t.Fatalf("expected 4/1 with 2 failed attempts, got %d/%d/%d", snap.Succeeded, snap.Failed, snap.FailedAttempts)
	}
	if snap.Min != 3*time.Millisecond || snap.Max != 3*time.Millisecond || snap.Sum != 12*time.Millisecond {
		t.Fatalf("unexpected latency min=%v max=%v sum=%v", snap.Min, snap.Max, snap.Sum)
	}
	if got := backend.reads.Load(); got != 4 {
		t.Fatalf("expected 4 served reads, got %d", got)
	}
	if got := backend.Keys(); got != 0 {
		t.Fatalf("read workload must not write, saw %d written keys", got)
	}
	v, ok := outcomes.Load("missing")
	if !ok {
		t.Fatal("missing outcome for unknown key")
	}
	out := v.(pipeline.Outcome)
	if out.Attempts != 2 || !storage.IsRead(out.Err) || !errors.Is(out.Err, storage.ErrNotFound) {
		t.Fatalf("expected 2 attempts ending in not found, got %d %v", out.Attempts, out.Err)
	}
	if lim := p.Limiter(); lim.InFlight() != 0 || lim.Acquired() != 5 {
		t.Fatalf("unexpected permits acquired=%d inflight=%d", lim.Acquired(), lim.InFlight())
	}
}

func TestReadWorkloadRequiresReader(t *testing.T) {
	t.Parallel()

	backend := newStub()
	agg := stats.NewAggregator()
	var last atomic.Value
	p := pipeline.New(pipeline.Config{Workers: 1, Op: pipeline.OpRead, BackendName: "stub", Retry: pipeline.RetryPolicy{Attempts: 1}}, backend, agg,
		pipeline.WithOutcomeHook(func(o pipeline.Outcome) { last.Store(o) }),
	)
	runAll(t, p, source("a,1"))

	if snap := agg.Snapshot(); snap.Failed != 1 {
		t.Fatalf("expected the read to fail, got %+v", snap)
	}
	out := last.Load().(pipeline.Outcome)
	if !errors.Is(out.Err, pipeline.ErrReadUnsupported) || !storage.IsRead(out.Err) {
		t.Fatalf("expected unsupported read error, got %v", out.Err)
	}
}
