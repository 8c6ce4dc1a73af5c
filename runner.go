package storebench

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/storebench/internal/clock"
	"pkt.systems/storebench/internal/dataset"
	"pkt.systems/storebench/internal/hostinfo"
	"pkt.systems/storebench/internal/loggingutil"
	"pkt.systems/storebench/internal/pipeline"
	"pkt.systems/storebench/internal/runid"
	"pkt.systems/storebench/internal/stats"
	"pkt.systems/storebench/internal/storage"
	"pkt.systems/storebench/internal/version"
)

// State is a Runner lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateHealthChecking
	StatePreparing
	StateStreaming
	StateDraining
	StateReporting
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateConnecting:     "connecting",
	StateHealthChecking: "health_checking",
	StatePreparing:      "preparing",
	StateStreaming:      "streaming",
	StateDraining:       "draining",
	StateReporting:      "reporting",
	StateDone:           "done",
	StateFailed:         "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("storebench: runner already started")

// ErrReadUnsupported is returned when the read workload is selected for a
// backend that does not implement storage.Reader.
var ErrReadUnsupported = errors.New("storebench: backend does not support the read workload")

// Option customises a Runner.
type Option func(*runnerOptions)

type runnerOptions struct {
	logger        pslog.Logger
	clock         clock.Clock
	backend       storage.Backend
	source        pipeline.Source
	onState       func(from, to State)
	skipHost      bool
	skipTelemetry bool
}

// WithLogger sets the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *runnerOptions) { o.logger = l }
}

// WithClock sets the clock used for health polling, retry delays and
// latency measurement.
func WithClock(c clock.Clock) Option {
	return func(o *runnerOptions) { o.clock = c }
}

// WithBackend bypasses the backend factory. Config.Backend still labels the
// run.
func WithBackend(b storage.Backend) Option {
	return func(o *runnerOptions) { o.backend = b }
}

// WithSource reads records from src instead of opening Config.Dataset. The
// read workload passes over the dataset twice and rejects it.
func WithSource(src pipeline.Source) Option {
	return func(o *runnerOptions) { o.source = src }
}

// WithStateHook is called synchronously on every state transition.
func WithStateHook(fn func(from, to State)) Option {
	return func(o *runnerOptions) { o.onState = fn }
}

// WithoutHostInfo leaves Report.Host empty.
func WithoutHostInfo() Option {
	return func(o *runnerOptions) { o.skipHost = true }
}

// WithoutTelemetry ignores the telemetry listeners in Config. Useful when
// the caller owns the global providers.
func WithoutTelemetry() Option {
	return func(o *runnerOptions) { o.skipTelemetry = true }
}

// Runner drives one benchmark run through Idle, Connecting, HealthChecking,
// Preparing, Streaming, Draining and Reporting to Done, or to Failed on the
// first fatal error.
type Runner struct {
	cfg    Config
	opts   runnerOptions
	logger pslog.Logger
	clock  clock.Clock
	tracer trace.Tracer
	runID  string

	state atomic.Int32
	mu    sync.Mutex
	pipe  *pipeline.Pipeline
}

// NewRunner validates cfg and returns an idle Runner.
func NewRunner(cfg Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o runnerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Workload == WorkloadRead && o.source != nil {
		return nil, fmt.Errorf("config: the read workload opens the dataset twice and cannot use an injected source")
	}
	r := &Runner{
		cfg:    cfg,
		opts:   o,
		clock:  clock.Or(o.clock),
		tracer: otel.Tracer("pkt.systems/storebench"),
		runID:  runid.New(),
	}
	r.logger = loggingutil.EnsureLogger(o.logger).With("run_id", r.runID, "backend", cfg.Backend)
	return r, nil
}

// State returns the current phase.
func (r *Runner) State() State { return State(r.state.Load()) }

// RunID returns the identifier attached to every log entry and the report.
func (r *Runner) RunID() string { return r.runID }

// Config returns the validated configuration.
func (r *Runner) Config() Config { return r.cfg }

// Pipeline returns the pipeline of the streaming phase, or nil before it.
func (r *Runner) Pipeline() *pipeline.Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pipe
}

func (r *Runner) transition(to State) {
	r.announce(State(r.state.Swap(int32(to))), to)
}

func (r *Runner) announce(from, to State) {
	loggingutil.WithSubsystem(r.logger, "run.controller").Info("run.state", "from", from.String(), "to", to.String())
	if r.opts.onState != nil {
		r.opts.onState(from, to)
	}
}

// Run executes the benchmark. It returns a Report only when every phase
// succeeded; connection, health, schema and dataset failures, as well as
// cancellation, return the error and no report.
func (r *Runner) Run(ctx context.Context) (report *Report, err error) {
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return nil, ErrAlreadyStarted
	}
	r.announce(StateIdle, StateConnecting)

	if !r.opts.skipTelemetry {
		tel, terr := setupTelemetry(ctx, r.cfg, r.logger)
		if terr != nil {
			r.transition(StateFailed)
			return nil, terr
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if serr := tel.Shutdown(shutdownCtx); serr != nil {
				r.logger.Warn("telemetry.shutdown.error", "error", serr)
			}
		}()
	}

	ctx, span := r.tracer.Start(ctx, "storebench.run", trace.WithAttributes(
		attribute.String("storebench.run_id", r.runID),
		attribute.String("storebench.backend", r.cfg.Backend),
	))
	ctx = pslog.ContextWithLogger(ctx, r.logger)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "run_failed")
			r.transition(StateFailed)
			loggingutil.WithSubsystem(r.logger, "run.controller").Warn("run.failed", "error", err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	r.logger.Info("run.start",
		"version", version.Current(),
		"workload", r.cfg.Workload,
		"workers", r.cfg.Workers,
		"queue_capacity", r.cfg.QueueCapacity,
		"retry_count", r.cfg.RetryCount,
		"retry_delay", r.cfg.RetryDelay,
		"dataset", r.cfg.Dataset,
	)

	backend := r.opts.backend
	if backend == nil {
		backend, err = openAdapter(r.cfg, r.logger)
		if err != nil {
			return nil, err
		}
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil {
			r.logger.Warn("backend.close.error", "error", cerr)
		}
	}()
	op := pipeline.OpWrite
	if r.cfg.Workload == WorkloadRead {
		if _, ok := backend.(storage.Reader); !ok {
			return nil, fmt.Errorf("%w: %s", ErrReadUnsupported, r.cfg.Backend)
		}
		op = pipeline.OpRead
	}

	if err = r.phase(ctx, "connect", func(ctx context.Context) error {
		return storage.Connection(r.cfg.Backend, "connect", backend.Connect(ctx))
	}); err != nil {
		return nil, err
	}

	r.transition(StateHealthChecking)
	if err = r.phase(ctx, "health", func(ctx context.Context) error {
		return r.awaitHealthy(ctx, backend)
	}); err != nil {
		return nil, err
	}

	r.transition(StatePreparing)
	if err = r.phase(ctx, "prepare", func(ctx context.Context) error {
		return storage.Write(r.cfg.Backend, "prepare", "", backend.PrepareSchema(ctx))
	}); err != nil {
		return nil, err
	}
	var seed *SeedSummary
	if op == pipeline.OpRead {
		if err = r.phase(ctx, "seed", func(ctx context.Context) error {
			var serr error
			seed, serr = r.seed(ctx, backend)
			return serr
		}); err != nil {
			return nil, err
		}
	}

	r.transition(StateStreaming)
	src, closeSrc, err := r.openSource()
	if err != nil {
		return nil, err
	}
	defer closeSrc()

	agg := stats.NewAggregator()
	metrics := newRunMetrics(r.cfg.Backend, op, r.logger)
	defer metrics.close()
	pipe := r.newPipeline(op, backend, agg, metrics, r.logger)
	r.mu.Lock()
	r.pipe = pipe
	r.mu.Unlock()

	streamCtx, streamSpan := r.tracer.Start(ctx, "storebench.run.stream")
	start := r.clock.Now()
	dispatched, streamErr := pipe.Stream(streamCtx, src)
	r.logger.Info("run.dispatched", "op", op, "records", dispatched)
	streamSpan.SetAttributes(attribute.Int64("storebench.records.dispatched", dispatched))
	streamSpan.End()

	r.transition(StateDraining)
	_, drainSpan := r.tracer.Start(ctx, "storebench.run.drain")
	pipe.Drain()
	elapsed := r.clock.Since(start)
	drainSpan.End()
	if streamErr != nil {
		return nil, streamErr
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}

	r.transition(StateReporting)
	snap := agg.Snapshot()
	report = &Report{
		RunID:         r.runID,
		Version:       version.Current(),
		Backend:       r.cfg.Backend,
		Workload:      r.cfg.Workload,
		Dataset:       r.cfg.Dataset,
		Workers:       r.cfg.Workers,
		QueueCapacity: r.cfg.QueueCapacity,
		RetryCount:    r.cfg.RetryCount,
		RetryDelay:    r.cfg.RetryDelay,
		StartedAt:     start,
		Dispatched:    dispatched,
		Elapsed:       elapsed,
		PeakInFlight:  pipe.Limiter().Peak(),
		Stats:         snap,
		Percentiles:   snap.Summarize(),
		Throughput:    snap.Throughput(elapsed),
		Outstanding:   pipe.Limiter().Acquired() - pipe.Limiter().Released(),
		Seed:          seed,
	}
	if !r.opts.skipHost {
		host, herr := hostinfo.Collect(ctx)
		if herr != nil {
			r.logger.Debug("run.host_info.partial", "error", herr)
		}
		report.Host = &host
	}
	r.logger.Info("run.complete",
		"succeeded", snap.Succeeded,
		"failed", snap.Failed,
		"elapsed", elapsed,
		"throughput", report.Throughput,
	)
	r.transition(StateDone)
	return report, nil
}

func (r *Runner) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "storebench.run."+name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+"_failed")
		return err
	}
	return nil
}

// newPipeline sizes a pipeline for op from the run configuration.
func (r *Runner) newPipeline(op pipeline.Op, backend storage.Backend, agg *stats.Aggregator, metrics *runMetrics, logger pslog.Logger) *pipeline.Pipeline {
	pipe := pipeline.New(pipeline.Config{
		Workers:       r.cfg.Workers,
		Op:            op,
		QueueCapacity: r.cfg.QueueCapacity,
		Retry: pipeline.RetryPolicy{
			Attempts: r.cfg.RetryCount,
			Delay:    r.cfg.RetryDelay,
		},
		WriteTimeout:  r.cfg.WriteTimeout,
		RateLimit:     r.cfg.RateLimit,
		ProgressEvery: r.cfg.ProgressEvery,
		BackendName:   r.cfg.Backend,
	}, backend, agg,
		pipeline.WithLogger(logger),
		pipeline.WithClock(r.clock),
		pipeline.WithObserver(metrics),
		pipeline.WithOutcomeHook(metrics.observeOutcome),
	)
	metrics.watch(pipe)
	return pipe
}

// seed writes the dataset into backend ahead of a read workload. Records that
// fail to seed are counted in the summary and surface again as failed reads.
func (r *Runner) seed(ctx context.Context, backend storage.Backend) (*SeedSummary, error) {
	logger := r.logger.With("pass", "seed")
	src, closeSrc, err := r.openSource()
	if err != nil {
		return nil, err
	}
	defer closeSrc()
	agg := stats.NewAggregator()
	metrics := newRunMetrics(r.cfg.Backend, pipeline.OpWrite, logger)
	defer metrics.close()
	pipe := r.newPipeline(pipeline.OpWrite, backend, agg, metrics, logger)
	start := r.clock.Now()
	dispatched, err := pipe.Stream(ctx, src)
	pipe.Drain()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := agg.Snapshot()
	controller := loggingutil.WithSubsystem(logger, "run.controller")
	if snap.Failed > 0 {
		controller.Warn("run.seed.partial", "succeeded", snap.Succeeded, "failed", snap.Failed)
	}
	summary := &SeedSummary{Dispatched: dispatched, Elapsed: r.clock.Since(start), Stats: snap}
	controller.Info("run.seed.complete", "records", dispatched, "elapsed", summary.Elapsed)
	return summary, nil
}

// awaitHealthy checks the backend up to HealthAttempts times, HealthInterval
// apart.
func (r *Runner) awaitHealthy(ctx context.Context, backend storage.Backend) error {
	logger := loggingutil.WithSubsystem(r.logger, "run.controller")
	var lastErr error
	for attempt := 1; attempt <= r.cfg.HealthAttempts; attempt++ {
		lastErr = backend.HealthCheck(ctx)
		if lastErr == nil {
			logger.Info("run.health.ok", "attempt", attempt)
			return nil
		}
		logger.Warn("run.health.retry", "attempt", attempt, "max_attempts", r.cfg.HealthAttempts, "error", lastErr)
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt == r.cfg.HealthAttempts {
			break
		}
		select {
		case <-r.clock.After(r.cfg.HealthInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("health check gave up after %d attempts: %w",
		r.cfg.HealthAttempts, storage.Connection(r.cfg.Backend, "health", lastErr))
}

func (r *Runner) openSource() (pipeline.Source, func(), error) {
	if r.opts.source != nil {
		return r.opts.source, func() {}, nil
	}
	src, err := dataset.OpenWithOptions(r.cfg.Dataset, dataset.Options{MaxLineBytes: int(r.cfg.DatasetMaxLine)})
	if err != nil {
		return nil, nil, err
	}
	return src, func() { _ = src.Close() }, nil
}
