package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

type Telemetry struct {
	tp *trace.TracerProvider
	mp *metric.MeterProvider

	meter  otelmetric.Meter
	tracer oteltrace.Tracer

	serviceName    string
	serviceVersion string
}

func NewTelemetry(ctx context.Context, serviceName, serviceVersion string, isDev bool) (*Telemetry, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)

	return newTelemetry(ctx, res, serviceName, serviceVersion, exporterFor(isDev))
}

func newTelemetry(ctx context.Context, res *resource.Resource, serviceName, serviceVersion string, e Exporter) (*Telemetry, error) {
	tp, err := NewTracerProvider(ctx, res, e)
	if err != nil {
		return nil, err
	}

	mp, err := NewMeterProvider(ctx, res, e)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		tp: tp,
		mp: mp,

		meter:  mp.Meter(serviceName),
		tracer: tp.Tracer(serviceName),

		serviceName:    serviceName,
		serviceVersion: serviceVersion,
	}, nil
}

// Noop returns telemetry that records nothing. The CLI uses it when
// telemetry is disabled, tests use it everywhere.
func Noop() *Telemetry {
	return &Telemetry{
		meter:       noop.NewMeterProvider().Meter("loom"),
		tracer:      tracenoop.NewTracerProvider().Tracer("loom"),
		serviceName: "loom",
	}
}

func (t *Telemetry) Meter() otelmetric.Meter {
	return t.meter
}

func (t *Telemetry) Tracer() oteltrace.Tracer {
	return t.tracer
}

func (t *Telemetry) TraceStart(ctx context.Context, name string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	if t.tp == nil {
		return t.tracer.Start(ctx, name, opts...)
	}
	return otel.Tracer(t.serviceName).Start(ctx, name, opts...)
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.tp != nil {
		errs = append(errs, t.tp.Shutdown(ctx))
	}
	if t.mp != nil {
		errs = append(errs, t.mp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
