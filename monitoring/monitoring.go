// Package monitoring provides Prometheus metrics, OpenTelemetry tracing,
// and unified structured logging helpers shared by the HTTP surface,
// ingest handlers, batcher, and broker publisher.
package monitoring

import (
	"context"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	github_chi_mw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	namespace = "telemetry_ingest"

	// logging level: 0=info, 1=debug
	logLevel int32

	// IngestRequests counts every HTTP request the ingest surface serves,
	// labelled by endpoint and final status.
	IngestRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of ingest HTTP requests",
		},
		[]string{"endpoint", "status"},
	)

	// IngestDedupCount observes the reporter count returned by the dedup
	// cache for each accepted packet.
	IngestDedupCount = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dedup_count",
			Help:      "Reporter count returned by the dedup cache",
			Buckets:   []float64{1, 2, 3, 5, 10, 20},
		},
		[]string{"family"},
	)

	// IngestDecodeErrors counts wire-codec decode failures by family and
	// reason (the decode error's Reason string).
	IngestDecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total number of wire decode errors",
		},
		[]string{"family", "reason"},
	)

	// BatcherBatches counts each batcher iteration's outcome.
	BatcherBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "telemetry_batcher",
			Name:      "batches_total",
			Help:      "Total number of batcher drain-and-push iterations",
		},
		[]string{"ring", "outcome"},
	)

	// BatcherItems counts records pushed per ring.
	BatcherItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "telemetry_batcher",
			Name:      "items_total",
			Help:      "Total number of records drained from a ring",
		},
		[]string{"ring"},
	)

	// BrokerPublish counts broker publish attempts by routing key and
	// outcome.
	BrokerPublish = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "telemetry_broker",
			Name:      "publish_total",
			Help:      "Total number of AMQP publish attempts",
		},
		[]string{"routing_key", "outcome"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		IngestRequests,
		IngestDedupCount,
		IngestDecodeErrors,
		BatcherBatches,
		BatcherItems,
		BrokerPublish,
		httpDuration,
	)
	SetLogLevel("info")
}

// Logging level helpers

func SetLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		atomic.StoreInt32(&logLevel, 1)
		log.Printf("log_level=debug")
	case "info", "":
		atomic.StoreInt32(&logLevel, 0)
		log.Printf("log_level=info")
	default:
		atomic.StoreInt32(&logLevel, 0)
		log.Printf("log_level=info (unknown level %q)", level)
	}
}

func IsDebug() bool { return atomic.LoadInt32(&logLevel) == 1 }

func Debugf(format string, args ...interface{}) {
	if IsDebug() {
		log.Printf("DEBUG "+format, args...)
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware instruments all HTTP traffic with request counts and
// duration, labelled by route path.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rr, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		httpDuration.WithLabelValues(r.Method, path).Observe(duration)
		IngestRequests.WithLabelValues(path, http.StatusText(rr.status)).Inc()
	})
}

// PrometheusHandler exposes registered metrics.
func PrometheusHandler() http.Handler { return promhttp.Handler() }

// StartClientSpan starts an OpenTelemetry client span for an outbound
// gRPC/AMQP call, used by the gis/storage client wrappers and the broker
// publisher.
func StartClientSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("telemetry-ingest-client").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	return ctx, span
}

var tracer = otel.Tracer("telemetry-ingest-http")

// InitTracer initializes the OpenTelemetry exporter and provider.
func InitTracer(endpoint string, serviceName string) func() {
	ctx := context.Background()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if endpoint == "" {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(serviceName),
			)),
		)
		otel.SetTracerProvider(tp)
		return func() {
			_ = tp.Shutdown(ctx)
		}
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		log.Printf("failed to create OTEL exporter: %v", err)
		return func() {}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)

	otel.SetTracerProvider(tp)

	return func() {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("error shutting down tracer: %v", err)
		}
	}
}

// TracingMiddleware creates a server span for each HTTP request with
// context extraction.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prop := otel.GetTextMapPropagator()
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		spanName := r.Method + " " + r.URL.Path
		ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			semconv.HTTPMethodKey.String(r.Method),
			semconv.URLPathKey.String(r.URL.Path),
		)
		if rid := github_chi_mw.GetReqID(r.Context()); rid != "" {
			span.SetAttributes(attribute.String("http.request_id", rid))
		}

		if sc := span.SpanContext(); sc.IsValid() {
			w.Header().Set("X-Trace-Id", sc.TraceID().String())
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware writes structured logs for each HTTP request/response
// with trace correlation.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start)
		traceID, spanID := "", ""
		if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.IsValid() {
			traceID = sc.TraceID().String()
			spanID = sc.SpanID().String()
		}
		remote := clientIP(r)
		rid := github_chi_mw.GetReqID(r.Context())

		log.Printf("http_request method=%s path=%q status=%d duration=%s remote=%s trace_id=%s span_id=%s request_id=%s",
			r.Method, r.URL.Path, rr.status, dur, remote, traceID, spanID, rid)
	})
}

// clientIP tries to determine the real client IP.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xr := r.Header.Get("X-Real-Ip"); xr != "" {
		return xr
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
