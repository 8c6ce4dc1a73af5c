// Package logging decorates a storage.Backend with spans and trace logs.
package logging

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/storebench/internal/loggingutil"
	"pkt.systems/storebench/internal/storage"
)

type backend struct {
	inner  storage.Backend
	name   string
	logger pslog.Logger
	tracer trace.Tracer
}

// readBackend is returned for inner backends that implement storage.Reader so
// the decorated value still satisfies the interface.
type readBackend struct {
	*backend
	reader storage.Reader
}

// Wrap decorates inner so every call opens a span named
// storebench.storage.<op> and emits begin/end entries at trace level (record
// calls) or debug level (lifecycle calls).
func Wrap(inner storage.Backend, name string, logger pslog.Logger) storage.Backend {
	return wrap(inner, name, logger, otel.Tracer("pkt.systems/storebench/storage"))
}

func wrap(inner storage.Backend, name string, logger pslog.Logger, tracer trace.Tracer) storage.Backend {
	b := &backend{
		inner:  inner,
		name:   name,
		logger: loggingutil.WithSubsystem(logger, loggingutil.Subsystem("backend", name)),
		tracer: tracer,
	}
	if r, ok := inner.(storage.Reader); ok {
		return &readBackend{backend: b, reader: r}
	}
	return b
}

// Unwrap returns the decorated backend.
func Unwrap(b storage.Backend) storage.Backend {
	switch w := b.(type) {
	case *backend:
		return w.inner
	case *readBackend:
		return w.inner
	}
	return b
}

// start opens the span for op. The returned finish must run from a deferred
// call with recover() as its second argument: a recovered panic ends the span
// with an error status and is re-raised.
func (b *backend) start(ctx context.Context, op string) (context.Context, trace.Span, func(error, any)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "storebench.storage."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("storebench.storage.operation", op),
		attribute.String("storebench.backend", b.name),
	)
	ctx = pslog.ContextWithLogger(ctx, b.logger)
	return ctx, span, func(err error, recovered any) {
		if recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
			b.logger.Error("storage."+op+".panic", "panic", recovered)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.Int64("storebench.storage.duration_us", time.Since(begin).Microseconds()))
		span.End()
		if recovered != nil {
			panic(recovered)
		}
	}
}

func (b *backend) lifecycle(ctx context.Context, op string, fn func(context.Context) error) (err error) {
	ctx, _, finish := b.start(ctx, op)
	defer func() { finish(err, recover()) }()
	begin := time.Now()
	b.logger.Debug("storage."+op+".begin")
	err = fn(ctx)
	if err != nil {
		b.logger.Debug("storage."+op+".error", "error", err, "elapsed", time.Since(begin))
		return err
	}
	b.logger.Debug("storage."+op+".success", "elapsed", time.Since(begin))
	return nil
}

func (b *backend) Connect(ctx context.Context) error {
	return b.lifecycle(ctx, "connect", b.inner.Connect)
}

func (b *backend) HealthCheck(ctx context.Context) error {
	return b.lifecycle(ctx, "health_check", b.inner.HealthCheck)
}

func (b *backend) PrepareSchema(ctx context.Context) error {
	return b.lifecycle(ctx, "prepare_schema", b.inner.PrepareSchema)
}

func (b *backend) WriteRecord(ctx context.Context, key, value string) (err error) {
	ctx, span, finish := b.start(ctx, "write_record")
	defer func() { finish(err, recover()) }()
	span.SetAttributes(
		attribute.String("storebench.storage.key", key),
		attribute.Int("storebench.storage.value_bytes", len(value)),
	)
	err = b.inner.WriteRecord(ctx, key, value)
	if err != nil {
		b.logger.Trace("storage.write_record.error", "key", key, "error", err)
		return err
	}
	b.logger.Trace("storage.write_record.success", "key", key)
	return nil
}

func (b *readBackend) ReadRecord(ctx context.Context, key string) (value string, err error) {
	ctx, span, finish := b.start(ctx, "read_record")
	defer func() { finish(err, recover()) }()
	span.SetAttributes(attribute.String("storebench.storage.key", key))
	value, err = b.reader.ReadRecord(ctx, key)
	if err != nil {
		b.logger.Trace("storage.read_record.error", "key", key, "error", err)
		return "", err
	}
	span.SetAttributes(attribute.Int("storebench.storage.value_bytes", len(value)))
	b.logger.Trace("storage.read_record.success", "key", key)
	return value, nil
}

func (b *backend) Close() error {
	err := b.inner.Close()
	if err != nil {
		b.logger.Debug("storage.close.error", "error", err)
	}
	return err
}
