package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"

	"blogcore/internal/infrastructure"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// Tracer assigns the request id, opens the server span and records the
// HTTP metrics.
type Tracer struct {
	tracer  trace.Tracer
	metrics *infrastructure.BusinessMetrics
	logger  *slog.Logger
}

// NewTracer creates the trace stage. metrics may be nil.
func NewTracer(providers *infrastructure.OTelProviders, metrics *infrastructure.BusinessMetrics, logger *slog.Logger) *Tracer {
	if providers == nil {
		providers = infrastructure.NoopOTelProviders(logger)
	}
	return &Tracer{
		tracer:  providers.Tracer,
		metrics: metrics,
		logger:  infrastructure.WithComponent(logger, "http"),
	}
}

// Handler returns the middleware handler function
func (t *Tracer) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := t.tracer.Start(ctx, fmt.Sprintf("%s %s", r.Method, r.URL.Path),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
				semconv.ServerAddressKey.String(r.Host),
				semconv.UserAgentOriginalKey.String(r.UserAgent()),
				semconv.ClientAddressKey.String(ClientIP(r)),
			),
		)
		defer span.End()

		// An incoming request id wins; otherwise the span's trace id is used
		// when a real tracer is installed, else a fresh UUID.
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			if sc := span.SpanContext(); sc.IsValid() {
				requestID = sc.TraceID().String()
			} else {
				requestID = infrastructure.GenerateTraceID()
			}
		}
		w.Header().Set(RequestIDHeader, requestID)
		ctx = infrastructure.WithTraceID(ctx, requestID)
		ctx = context.WithValue(ctx, middleware.RequestIDKey, requestID)
		info := RequestInfoFromContext(ctx)
		if info == nil {
			info = &RequestInfo{}
			ctx = WithRequestInfo(ctx, info)
		}
		r = r.WithContext(ctx)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		if t.metrics != nil {
			t.metrics.HTTPActiveRequests.Add(ctx, 1)
			defer t.metrics.HTTPActiveRequests.Add(ctx, -1)
		}

		start := time.Now()
		next.ServeHTTP(ww, r)
		duration := time.Since(start)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r, info)

		if t.metrics != nil {
			attrs := metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", route),
				attribute.Int("status_code", status),
			)
			t.metrics.HTTPRequestsTotal.Add(ctx, 1, attrs)
			t.metrics.HTTPRequestDuration.Record(ctx, duration.Seconds(), attrs)
		}

		span.SetAttributes(
			semconv.HTTPResponseStatusCodeKey.Int(status),
			semconv.HTTPRouteKey.String(route),
			attribute.Int("http.response.body.size", ww.BytesWritten()),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}

		t.logger.InfoContext(ctx, "request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", duration),
			slog.String("remote_addr", ClientIP(r)),
		)
	})
}

// routePattern prefers the route resolved by the routing stage.
func routePattern(r *http.Request, info *RequestInfo) string {
	if info != nil && info.Route != "" {
		return info.Route
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}
