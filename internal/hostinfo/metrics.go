package hostinfo

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// RegisterGauges exports host load and memory utilisation as observable
// gauges on the global meter provider. The returned function unregisters
// the callback.
func RegisterGauges(logger pslog.Logger) func() {
	meter := otel.Meter("pkt.systems/storebench/hostinfo")
	loadGauge, err := meter.Float64ObservableGauge(
		"storebench.host.load",
		metric.WithDescription("Host load average"),
	)
	logMetricInitError(logger, "storebench.host.load", err)
	memGauge, err := meter.Float64ObservableGauge(
		"storebench.host.memory.percent",
		metric.WithDescription("Host memory used percent"),
	)
	logMetricInitError(logger, "storebench.host.memory.percent", err)

	reg, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		snap, _ := Collect(ctx)
		o.ObserveFloat64(loadGauge, snap.Load1, metric.WithAttributes(attribute.String("storebench.load.window", "1")))
		o.ObserveFloat64(loadGauge, snap.Load5, metric.WithAttributes(attribute.String("storebench.load.window", "5")))
		o.ObserveFloat64(loadGauge, snap.Load15, metric.WithAttributes(attribute.String("storebench.load.window", "15")))
		o.ObserveFloat64(memGauge, snap.MemoryUsedPct)
		return nil
	}, loadGauge, memGauge)
	if err != nil {
		if logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "storebench.host", "error", err)
		}
		return func() {}
	}
	return func() { _ = reg.Unregister() }
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
