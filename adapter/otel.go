// Package adapter binds amp-ipc to external telemetry providers.
package adapter

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the scope reported on every meter and tracer.
const InstrumentationName = "github.com/srediag/amp-ipc"

// Telemetry carries the meter and tracer handed to the shm and transport layers.
type Telemetry struct {
	Meter  metric.Meter
	Tracer trace.Tracer
}

// NewTelemetry builds a Telemetry from the given providers. Nil providers
// fall back to the otel globals, which are no-ops until an SDK installs one.
func NewTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) Telemetry {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return Telemetry{
		Meter:  mp.Meter(InstrumentationName),
		Tracer: tp.Tracer(InstrumentationName),
	}
}
