package logging

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/nkkko/alarmd/internal/metrics"
)

// RequestIDHeader carries the request id in and out of the service
const RequestIDHeader = "X-Request-ID"

// HTTPMiddleware returns a middleware function that logs HTTP requests and
// records request metrics. Long-lived streams are logged when they end.
func HTTPMiddleware() func(next http.Handler) http.Handler {
	m := metrics.GetMetrics()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			event := log.With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Str("user_agent", r.UserAgent()).
				Str("request_id", requestID)

			if span := trace.SpanFromContext(r.Context()); span.SpanContext().IsValid() {
				event = event.
					Str("trace_id", span.SpanContext().TraceID().String()).
					Str("span_id", span.SpanContext().SpanID().String())
			}

			logger := event.Logger()
			ctx := logger.WithContext(r.Context())
			ctx = context.WithValue(ctx, middleware.RequestIDKey, requestID)

			ww := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			m.APIActiveConnections.Inc()
			defer m.APIActiveConnections.Dec()

			logger.Debug().Msg("Request started")
			next.ServeHTTP(ww, r.WithContext(ctx))
			duration := time.Since(start)

			// The route pattern is only complete after chi has routed the request
			route := r.URL.Path
			if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil && routeCtx.RoutePattern() != "" {
				route = routeCtx.RoutePattern()
			}
			m.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.statusCode)).Inc()
			m.APIRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())

			var logEvent *zerolog.Event
			switch {
			case ww.statusCode >= 500:
				logEvent = logger.Error()
			case ww.statusCode >= 400:
				logEvent = logger.Warn()
			default:
				logEvent = logger.Info()
			}

			logEvent.
				Str("route", route).
				Int("status", ww.statusCode).
				Dur("duration", duration).
				Int64("response_size", ww.responseSize).
				Msg("Request completed")
		})
	}
}

// responseWriter is a wrapper for http.ResponseWriter that captures response details
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
	wroteHeader  bool
}

// WriteHeader captures the status code and calls the underlying ResponseWriter
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and calls the underlying ResponseWriter
func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	size, err := rw.ResponseWriter.Write(b)
	rw.responseSize += int64(size)
	return size, err
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker so websocket upgrades pass through
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := rw.ResponseWriter.(http.Hijacker); ok {
		rw.statusCode = http.StatusSwitchingProtocols
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Unwrap exposes the wrapped writer to http.ResponseController
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
