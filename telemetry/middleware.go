package telemetry

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type middleware = func(http.Handler) http.Handler

// routeOf returns the chi pattern a request was routed by, so that
// /logs/3lx/default and /logs/3ly/default share a series. It is only set
// once chi has routed the request.
func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func (t *Telemetry) baseAttrs(r *http.Request) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("service", t.serviceName),
		attribute.String("http.method", r.Method),
	}
}

// RequestDuration records request latency in milliseconds per method and
// route.
func (t *Telemetry) RequestDuration() middleware {
	hist, err := t.meter.Int64Histogram("request_duration_millis",
		otelmetric.WithDescription("Latency of HTTP requests handled by the server."),
		otelmetric.WithUnit("ms"),
	)
	if err != nil {
		panic("telemetry: request_duration_millis: " + err.Error())
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)

			attrs := append(t.baseAttrs(r), attribute.String("http.route", routeOf(r)))
			hist.Record(r.Context(), time.Since(start).Milliseconds(), otelmetric.WithAttributes(attrs...))
		})
	}
}

// RequestInFlight tracks how many requests are being handled right now.
// Long-lived websocket streams count for as long as they stay open.
func (t *Telemetry) RequestInFlight() middleware {
	gauge, err := t.meter.Int64UpDownCounter("request_in_flight",
		otelmetric.WithDescription("HTTP requests currently being handled by the server."),
		otelmetric.WithUnit("1"),
	)
	if err != nil {
		panic("telemetry: request_in_flight: " + err.Error())
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			opt := otelmetric.WithAttributes(t.baseAttrs(r)...)
			gauge.Add(r.Context(), 1, opt)
			defer gauge.Add(r.Context(), -1, opt)

			next.ServeHTTP(w, r)
		})
	}
}
