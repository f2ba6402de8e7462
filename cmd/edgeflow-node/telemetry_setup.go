package main

import (
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/edgeflow-dev/edgeflow/telemetry"
)

// installTelemetryLogger sets the process's default slog.Logger to a
// telemetry.Handler, so the node package's span/metric instrumentation
// (which logs through slog at telemetry's reserved trace/metric levels)
// actually reaches the configured otel tracer/meter providers instead of
// being dropped by the standard text handler's level filter.
func installTelemetryLogger() {
	h := telemetry.New(nil,
		otel.GetMeterProvider().Meter("edgeflow/node"),
		otel.GetTracerProvider().Tracer("edgeflow/node"),
		true,
	)
	slog.SetDefault(slog.New(h))
}
