package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/lorehq/lore/internal/server"

var (
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
)

func init() {
	meter := otel.Meter(instrumentationName)

	var err error
	requestsTotal, err = meter.Int64Counter("lore.http.requests_total",
		metric.WithDescription("HTTP requests served, by route, method, and status"),
		metric.WithUnit("{request}"))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create requests counter")
	}

	requestDuration, err = meter.Float64Histogram("lore.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("s"))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create request duration histogram")
	}
}

// instrument records one data point per request, keyed by the matched
// route pattern rather than the raw path so ids do not blow up the
// attribute space.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		attrs := []attribute.KeyValue{
			attribute.String("route", route),
			attribute.String("method", r.Method),
		}
		if requestsTotal != nil {
			requestsTotal.Add(r.Context(), 1,
				metric.WithAttributes(append(attrs, attribute.Int("status", ww.Status()))...))
		}
		if requestDuration != nil {
			requestDuration.Record(r.Context(), time.Since(start).Seconds(),
				metric.WithAttributes(attrs...))
		}
	})
}
