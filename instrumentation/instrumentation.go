// Package instrumentation wraps OpenTelemetry for the authorization server.
// All methods are nil-safe: a nil *Instrumentation records nothing, so
// callers never guard their telemetry calls.
package instrumentation

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scopePrefix = "github.com/grantkit/oauth2-provider/"

// Config controls how telemetry is produced.
type Config struct {
	// ServiceName identifies this deployment in telemetry backends.
	ServiceName string

	// ServiceVersion is reported alongside the service name.
	ServiceVersion string

	// Enabled turns telemetry on. When false all providers are no-ops.
	Enabled bool

	// MeterProvider overrides the global meter provider. Mostly for tests.
	MeterProvider metric.MeterProvider

	// TracerProvider overrides the global tracer provider. Mostly for tests.
	TracerProvider trace.TracerProvider
}

// Instrumentation hands out meters and tracers and owns the server's
// metric instruments.
type Instrumentation struct {
	config         Config
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        *Metrics
}

// New builds an Instrumentation from config. Disabled configs yield no-op
// providers rather than a nil value, so the result is always usable.
func New(config Config) (*Instrumentation, error) {
	inst := &Instrumentation{config: config}

	if !config.Enabled {
		inst.meterProvider = metricnoop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	} else {
		inst.meterProvider = config.MeterProvider
		if inst.meterProvider == nil {
			inst.meterProvider = otel.GetMeterProvider()
		}
		inst.tracerProvider = config.TracerProvider
		if inst.tracerProvider == nil {
			inst.tracerProvider = otel.GetTracerProvider()
		}
	}

	metrics, err := newMetrics(inst.Meter("server"))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	inst.metrics = metrics

	return inst, nil
}

// Meter returns a named meter for the given scope.
func (i *Instrumentation) Meter(scope string) metric.Meter {
	if i == nil {
		return metricnoop.NewMeterProvider().Meter(scopePrefix + scope)
	}
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	if i == nil {
		return tracenoop.NewTracerProvider().Tracer(scopePrefix + scope)
	}
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the shared metric instruments, or nil on a nil receiver.
func (i *Instrumentation) Metrics() *Metrics {
	if i == nil {
		return nil
	}
	return i.metrics
}
