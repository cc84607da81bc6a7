package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

const (
	batchTimeout   = 1 * time.Second
	exportInterval = 10 * time.Second
)

// Exporter picks where spans and metrics are sent.
type Exporter struct {
	// Writer, when set, receives pretty-printed spans and metrics instead
	// of an OTLP collector. Stdout is kept free for command output.
	Writer io.Writer
}

func exporterFor(isDev bool) Exporter {
	if isDev {
		return Exporter{Writer: os.Stderr}
	}
	return Exporter{}
}

func (e Exporter) spans(ctx context.Context) (trace.SpanExporter, error) {
	if e.Writer != nil {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(e.Writer), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		return exporter, nil
	}

	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}
	return exporter, nil
}

func (e Exporter) metrics(ctx context.Context) (metric.Exporter, error) {
	if e.Writer != nil {
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(e.Writer), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		return exporter, nil
	}

	exporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}
	return exporter, nil
}

// NewTracerProvider builds a batching tracer provider and installs it as
// the global one.
func NewTracerProvider(ctx context.Context, res *resource.Resource, e Exporter) (*trace.TracerProvider, error) {
	exporter, err := e.spans(ctx)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter, trace.WithBatchTimeout(batchTimeout)),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp, nil
}

// NewMeterProvider builds a periodically exporting meter provider and
// installs it as the global one.
func NewMeterProvider(ctx context.Context, res *resource.Resource, e Exporter) (*metric.MeterProvider, error) {
	exporter, err := e.metrics(ctx)
	if err != nil {
		return nil, err
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(exportInterval))),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}
