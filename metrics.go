package storebench

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/storebench/internal/pipeline"
)

// runMetrics exports per-attempt counters and pipeline gauges, labelled with
// the backend and the operation (write or read). It satisfies
// pipeline.Observer.
type runMetrics struct {
	attempts       metric.Int64Counter
	failedAttempts metric.Int64Counter
	records        metric.Int64Counter
	latency        metric.Float64Histogram
	inflight       metric.Int64ObservableGauge
	queueDepth     metric.Int64ObservableGauge
	registration   metric.Registration
	attrs          metric.MeasurementOption
	logger         pslog.Logger
}

func newRunMetrics(backend string, op pipeline.Op, logger pslog.Logger) *runMetrics {
	meter := otel.Meter("pkt.systems/storebench")
	m := &runMetrics{
		attrs: metric.WithAttributes(
			attribute.String("storebench.backend", backend),
			attribute.String("storebench.op", string(op)),
		),
		logger: logger,
	}
	var err error

	m.attempts, err = meter.Int64Counter(
		"storebench.op.attempts",
		metric.WithDescription("Backend operation attempts"),
	)
	logMetricInitError(logger, "storebench.op.attempts", err)

	m.failedAttempts, err = meter.Int64Counter(
		"storebench.op.failed_attempts",
		metric.WithDescription("Backend operation attempts that returned an error"),
	)
	logMetricInitError(logger, "storebench.op.failed_attempts", err)

	m.records, err = meter.Int64Counter(
		"storebench.records",
		metric.WithDescription("Records finished, by outcome"),
	)
	logMetricInitError(logger, "storebench.records", err)

	m.latency, err = meter.Float64Histogram(
		"storebench.op.latency",
		metric.WithDescription("Latency of successful backend operations"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "storebench.op.latency", err)

	m.inflight, err = meter.Int64ObservableGauge(
		"storebench.pipeline.inflight",
		metric.WithDescription("Tasks holding an admission permit"),
	)
	logMetricInitError(logger, "storebench.pipeline.inflight", err)

	m.queueDepth, err = meter.Int64ObservableGauge(
		"storebench.pipeline.queue.depth",
		metric.WithDescription("Records buffered between the dataset reader and the dispatcher"),
	)
	logMetricInitError(logger, "storebench.pipeline.queue.depth", err)

	return m
}

// watch exports the in-flight and queue depth gauges of p.
func (m *runMetrics) watch(p *pipeline.Pipeline) {
	if m == nil || p == nil || m.inflight == nil || m.queueDepth == nil {
		return
	}
	reg, err := otel.Meter("pkt.systems/storebench").RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.inflight, p.Limiter().InFlight(), m.attrs)
		o.ObserveInt64(m.queueDepth, int64(p.Queue().Len()), m.attrs)
		return nil
	}, m.inflight, m.queueDepth)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("telemetry.metric.callback_failed", "name", "storebench.pipeline", "error", err)
		}
		return
	}
	m.registration = reg
}

// ObserveAttempt implements pipeline.Observer.
func (m *runMetrics) ObserveAttempt(ctx context.Context, latency time.Duration, err error) {
	if m == nil {
		return
	}
	if m.attempts != nil {
		m.attempts.Add(ctx, 1, m.attrs)
	}
	if err != nil {
		if m.failedAttempts != nil {
			m.failedAttempts.Add(ctx, 1, m.attrs)
		}
		return
	}
	if m.latency != nil {
		m.latency.Record(ctx, float64(latency)/float64(time.Millisecond), m.attrs)
	}
}

func (m *runMetrics) observeOutcome(out pipeline.Outcome) {
	if m == nil || m.records == nil {
		return
	}
	result := "success"
	if !out.Success {
		result = "failure"
	}
	m.records.Add(context.Background(), 1, m.attrs, metric.WithAttributes(attribute.String("storebench.result", result)))
}

func (m *runMetrics) close() {
	if m == nil || m.registration == nil {
		return
	}
	_ = m.registration.Unregister()
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
