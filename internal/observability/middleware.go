package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware records request counts and latency, and opens a span
// per request. Both metrics and tracer may be nil.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			path := routeLabel(r.URL.Path)

			if tracer != nil {
				_, span := tracer.Start(r.Context(), "http.request",
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.route", path),
					))
				defer span.End()
				defer func() {
					code := c.Response().StatusCode()
					span.SetAttributes(attribute.Int("http.status_code", code))
					if code >= http.StatusInternalServerError {
						span.SetStatus(codes.Error, http.StatusText(code))
					}
				}()
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()

			err := next(c)

			duration := time.Since(start).Seconds()

			if metrics != nil {
				code := c.Response().StatusCode()
				if code == 0 {
					code = http.StatusOK
				}
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, statusCode(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			}

			return err
		}
	}
}

// routeLabel replaces execution ids in a path so label cardinality stays
// bounded: /v1/executions/<uuid>/junit becomes /v1/executions/:id/junit.
func routeLabel(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if _, err := uuid.Parse(p); err == nil && len(p) == 36 {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
