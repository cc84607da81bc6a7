package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func (t *Telemetry) requestAttrs(r *http.Request) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(t.serviceName),
		semconv.HTTPRequestMethodKey.String(r.Method),
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		attrs = append(attrs, semconv.HTTPRoute(rctx.RoutePattern()))
	}
	return attrs
}

func (t *Telemetry) RequestDuration() func(next http.Handler) http.Handler {
	const (
		metricNameRequestDurationMs = "request_duration_millis"
		metricUnitRequestDurationMs = "ms"
		metricDescRequestDurationMs = "Measures the latency of HTTP requests processed by the server, in milliseconds."
	)
	histogram, err := t.meter.Int64Histogram(
		metricNameRequestDurationMs,
		otelmetric.WithDescription(metricDescRequestDurationMs),
		otelmetric.WithUnit(metricUnitRequestDurationMs),
	)
	if err != nil {
		panic(fmt.Sprintf("unable to create %s histogram: %v", metricNameRequestDurationMs, err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()

			next.ServeHTTP(w, r)

			// route pattern is only known after chi has routed the request
			histogram.Record(
				r.Context(),
				time.Since(startTime).Milliseconds(),
				otelmetric.WithAttributes(t.requestAttrs(r)...),
			)
		})
	}
}

func (t *Telemetry) RequestInFlight() func(next http.Handler) http.Handler {
	const (
		metricNameRequestInFlight = "request_in_flight"
		metricDescRequestInFlight = "Measures the number of concurrent HTTP requests being processed by the server."
		metricUnitRequestInFlight = "1"
	)

	counter, err := t.meter.Int64UpDownCounter(
		metricNameRequestInFlight,
		otelmetric.WithDescription(metricDescRequestInFlight),
		otelmetric.WithUnit(metricUnitRequestInFlight),
	)
	if err != nil {
		panic(fmt.Sprintf("unable to create %s counter: %v", metricNameRequestInFlight, err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attrs := otelmetric.WithAttributes(
				semconv.ServiceName(t.serviceName),
				semconv.HTTPRequestMethodKey.String(r.Method),
			)

			counter.Add(r.Context(), 1, attrs)
			defer counter.Add(r.Context(), -1, attrs)

			next.ServeHTTP(w, r)
		})
	}
}
