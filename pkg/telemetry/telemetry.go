// Package telemetry hands out the OpenTelemetry tracer and meter used by the
// linker and layout packages.
//
// Nothing here installs an SDK. Until the host registers providers with
// otel.SetTracerProvider and otel.SetMeterProvider, every span and instrument
// is a no-op.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName identifies this module's spans and metrics.
const InstrumentationName = "github.com/orneryd/icarus"

// Tracer returns the tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Meter returns the meter from the global provider.
func Meter() metric.Meter {
	return otel.Meter(InstrumentationName)
}

// EndSpan records err on span, sets its status and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
