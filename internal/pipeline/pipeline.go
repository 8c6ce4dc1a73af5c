// Package pipeline moves dataset records through a bounded queue to a
// semaphore-gated pool of write (or read) tasks.
package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"pkt.systems/pslog"

	"pkt.systems/storebench/internal/clock"
	"pkt.systems/storebench/internal/dataset"
	"pkt.systems/storebench/internal/loggingutil"
	"pkt.systems/storebench/internal/stats"
	"pkt.systems/storebench/internal/storage"
)

// DefaultProgressEvery is the dataset progress log interval in records.
const DefaultProgressEvery = 10000

// Source yields records until io.EOF.
type Source interface {
	Next() (dataset.Record, error)
}

// Config sizes a Pipeline.
type Config struct {
	// Workers caps concurrently running tasks.
	Workers int
	// Op is applied to every record. Empty means OpWrite.
	Op Op
	// QueueCapacity bounds the producer/dispatcher buffer. Zero uses Workers.
	QueueCapacity int
	Retry         RetryPolicy
	// WriteTimeout bounds each attempt, read or write, when positive.
	WriteTimeout time.Duration
	// RateLimit caps dispatched records per second when positive.
	RateLimit float64
	// ProgressEvery logs producer progress every n records. Zero uses
	// DefaultProgressEvery; negative disables.
	ProgressEvery int
	// BackendName labels errors raised by the task runner.
	BackendName string
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l pslog.Logger) Option {
	return func(p *Pipeline) { p.logger = loggingutil.EnsureLogger(l) }
}

// WithClock sets the clock used for latency and retry delays.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = clock.Or(c) }
}

// WithObserver attaches a per-attempt observer.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithOutcomeHook is invoked after every finished record, from the task
// goroutine.
func WithOutcomeHook(fn func(Outcome)) Option {
	return func(p *Pipeline) { p.onOutcome = fn }
}

// Pipeline owns the queue, limiter and task pool of one run.
type Pipeline struct {
	cfg       Config
	backend   storage.Backend
	stats     *stats.Aggregator
	logger    pslog.Logger
	clock     clock.Clock
	observer  Observer
	onOutcome func(Outcome)

	queue       *Queue
	limiter     *Limiter
	rate        *rate.Limiter
	tasks       sync.WaitGroup
	cancelTasks context.CancelCauseFunc
}

// New builds a Pipeline applying cfg.Op against backend and recording into
// agg.
func New(cfg Config, backend storage.Backend, agg *stats.Aggregator, opts ...Option) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = cfg.Workers
	}
	if cfg.Retry.Attempts < 1 {
		cfg.Retry.Attempts = 1
	}
	if cfg.Op == "" {
		cfg.Op = OpWrite
	}
	if cfg.ProgressEvery == 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	p := &Pipeline{
		cfg:     cfg,
		backend: backend,
		stats:   agg,
		logger:  loggingutil.NoopLogger(),
		clock:   clock.Real{},
		queue:   NewQueue(cfg.QueueCapacity),
		limiter: NewLimiter(cfg.Workers),
	}
	if cfg.RateLimit > 0 {
		p.rate = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Queue exposes the work queue for instrumentation.
func (p *Pipeline) Queue() *Queue { return p.queue }

// Limiter exposes the admission limiter for instrumentation.
func (p *Pipeline) Limiter() *Limiter { return p.limiter }

// Stream runs the producer and the dispatcher until src is exhausted and
// every record has been handed to a task, then returns the dispatched
// count. Tasks may still be running; call Drain to wait for them.
//
// A source error cancels dispatching and in-flight tasks and is returned
// as-is. Stream must be called at most once.
func (p *Pipeline) Stream(ctx context.Context, src Source) (int64, error) {
	taskCtx, cancelTasks := context.WithCancelCause(ctx)
	p.cancelTasks = cancelTasks
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var produceErr error
	produced := make(chan struct{})
	go func() {
		defer close(produced)
		produceErr = p.produce(ctx, src)
		if produceErr != nil {
			cancel(produceErr)
			cancelTasks(produceErr)
		}
	}()

	dispatched, dispatchErr := p.dispatch(ctx, taskCtx)
	<-produced
	if produceErr != nil && !errors.Is(produceErr, context.Canceled) {
		return dispatched, produceErr
	}
	if dispatchErr != nil {
		return dispatched, dispatchErr
	}
	return dispatched, produceErr
}

// Drain blocks until every dispatched task has finished.
func (p *Pipeline) Drain() {
	p.tasks.Wait()
	if p.cancelTasks != nil {
		p.cancelTasks(nil)
	}
}

func (p *Pipeline) produce(ctx context.Context, src Source) error {
	logger := loggingutil.WithSubsystem(p.logger, "dataset.source")
	defer p.queue.Close()
	var n int
	for {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			logger.Debug("dataset.exhausted", "records", n)
			return nil
		}
		if err != nil {
			logger.Error("dataset.error", "records", n, "error", err)
			return err
		}
		if p.cfg.ProgressEvery > 0 && n%p.cfg.ProgressEvery == 0 {
			logger.Info("dataset.progress", "records", n)
		}
		if err := p.queue.Push(ctx, rec); err != nil {
			return err
		}
		n++
	}
}

func (p *Pipeline) dispatch(ctx, taskCtx context.Context) (int64, error) {
	logger := loggingutil.WithSubsystem(p.logger, "pipeline.dispatcher")
	task := &WriteTask{
		Backend:  p.backend,
		Op:       p.cfg.Op,
		Name:     p.cfg.BackendName,
		Stats:    p.stats,
		Retry:    p.cfg.Retry,
		Timeout:  p.cfg.WriteTimeout,
		Clock:    p.clock,
		Logger:   loggingutil.WithSubsystem(p.logger, "pipeline.task"),
		Observer: p.observer,
	}
	var dispatched int64
	stop := func(err error) (int64, error) {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
		logger.Debug("dispatch.stopped", "op", p.cfg.Op, "dispatched", dispatched, "error", err)
		return dispatched, err
	}
	for {
		if ctx.Err() != nil {
			return stop(ctx.Err())
		}
		permit, err := p.limiter.Acquire(ctx)
		if err != nil {
			return stop(err)
		}
		rec, ok, err := p.queue.Pop(ctx)
		if err != nil {
			permit.Release()
			return stop(err)
		}
		if !ok {
			permit.Release()
			logger.Debug("dispatch.complete", "op", p.cfg.Op, "dispatched", dispatched)
			return dispatched, nil
		}
		if p.rate != nil {
			if err := p.rate.Wait(ctx); err != nil {
				permit.Release()
				return stop(err)
			}
		}
		p.stats.RecordAttempt()
		dispatched++
		p.tasks.Add(1)
		go p.runTask(taskCtx, task, permit, rec)
	}
}

func (p *Pipeline) runTask(ctx context.Context, task *WriteTask, permit *Permit, rec dataset.Record) {
	defer p.tasks.Done()
	defer permit.Release()
	out := task.Run(ctx, rec)
	if p.onOutcome != nil {
		p.onOutcome(out)
	}
}
