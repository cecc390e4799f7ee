// Package monitoring provides Prometheus metrics, OpenTelemetry tracing,
// and the leveled syslog facility shared by every telemetry task. Log
// output tees to stdout and an append-only file which is synced every
// few records.
package monitoring

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
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
	// Common namespace for all metrics in the app
	namespace = "inspace"

	// logging level: 0=err, 1=warn, 2=info, 3=debug
	logLevel atomic.Int32

	// SamplesIngested counts samples read off the sensor bus per topic.
	SamplesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "samples_total",
			Help:      "Total number of sensor samples ingested",
		},
		[]string{"sensor"},
	)

	// BlocksAdded counts blocks placed into packets per sink and type.
	BlocksAdded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "blocks_total",
			Help:      "Total number of blocks added to packets",
		},
		[]string{"sink", "type"},
	)

	// BlocksDropped counts blocks that could not be placed even after
	// starting a fresh packet.
	BlocksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "blocks_dropped_total",
			Help:      "Total number of blocks dropped because no packet could hold them",
		},
		[]string{"sink", "type"},
	)

	// PacketsCompleted counts packets handed to each sink.
	PacketsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "packets_total",
			Help:      "Total number of packets completed per sink",
		},
		[]string{"sink"},
	)

	// BufferRecycled counts full packets overwritten because the empty
	// pool was exhausted.
	BufferRecycled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "recycled_total",
			Help:      "Total number of oldest full packets recycled under backpressure",
		},
		[]string{"sink"},
	)

	// LogBytes counts bytes written to the flight log.
	LogBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logging",
			Name:      "bytes_total",
			Help:      "Total number of packet bytes written to flight logs",
		},
	)

	// LogSwaps counts ping-pong file swaps while idle.
	LogSwaps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logging",
			Name:      "swaps_total",
			Help:      "Total number of pre-flight log file swaps",
		},
	)

	// RadioFrames counts frames written to the radio device.
	RadioFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transmit",
			Name:      "frames_total",
			Help:      "Total number of frames written to the radio",
		},
	)

	// RadioBytes counts bytes written to the radio device.
	RadioBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transmit",
			Name:      "bytes_total",
			Help:      "Total number of bytes written to the radio",
		},
	)

	// FlightEvents counts detector events by kind.
	FlightEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fusion",
			Name:      "events_total",
			Help:      "Total number of flight events detected",
		},
		[]string{"event"},
	)

	// FlightState mirrors the current flight state enum ordinal.
	FlightState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "flight_state",
			Help:      "Current flight state (0=idle, 1=airborne, 2=landed)",
		},
	)

	// HTTP server metrics
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
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
		SamplesIngested,
		BlocksAdded,
		BlocksDropped,
		PacketsCompleted,
		BufferRecycled,
		LogBytes,
		LogSwaps,
		RadioFrames,
		RadioBytes,
		FlightEvents,
		FlightState,
		HTTPRequests,
		HTTPDuration,
	)

	// default log level
	SetLogLevel("info")
}

// Logging level helpers
func SetLogLevel(level string) {
	switch strings.ToLower(level) {
	case "err", "error":
		logLevel.Store(0)
	case "warn":
		logLevel.Store(1)
	case "info", "":
		logLevel.Store(2)
	case "debug":
		logLevel.Store(3)
	default:
		// unknown -> info
		logLevel.Store(2)
		log.Printf("log_level=info (unknown level %q)", level)
		return
	}
	log.Printf("log_level=%s", strings.ToLower(level))
}

func IsDebug() bool { return logLevel.Load() >= 3 }

// ============ Syslog tee ============

const syslogSyncFreq = 8

var (
	teeMu     sync.Mutex
	teeFile   *os.File
	teeLogger *log.Logger
	teeCount  int
)

// OpenSyslog tees all leveled log output into an append-only file at
// path. The file is synced every few records so a power cut loses
// little history.
func OpenSyslog(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	teeMu.Lock()
	teeFile = f
	teeLogger = log.New(f, "", log.LstdFlags)
	teeCount = 0
	teeMu.Unlock()
	return nil
}

// CloseSyslog syncs and closes the tee file.
func CloseSyslog() {
	teeMu.Lock()
	defer teeMu.Unlock()
	if teeFile != nil {
		_ = teeFile.Sync()
		_ = teeFile.Close()
		teeFile = nil
		teeLogger = nil
	}
}

func emit(level string, format string, args ...interface{}) {
	line := level + " " + format
	log.Printf(line, args...)
	teeMu.Lock()
	defer teeMu.Unlock()
	if teeLogger == nil {
		return
	}
	teeLogger.Printf(line, args...)
	teeCount++
	if teeCount%syslogSyncFreq == 0 {
		_ = teeFile.Sync()
	}
}

func Debugf(format string, args ...interface{}) {
	if logLevel.Load() >= 3 {
		emit("DEBUG", format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if logLevel.Load() >= 2 {
		emit("INFO", format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if logLevel.Load() >= 1 {
		emit("WARN", format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	emit("ERR", format, args...)
}

// ============ Helpers and middlewares for metrics ============

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware instruments all HTTP traffic.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rr, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		HTTPDuration.WithLabelValues(r.Method, path).Observe(duration)
		HTTPRequests.WithLabelValues(r.Method, path, http.StatusText(rr.status)).Inc()
	})
}

// PrometheusHandler exposes registered metrics.
func PrometheusHandler() http.Handler { return promhttp.Handler() }

// ============ Tracing ============

var tracer = otel.Tracer("inspace-telem")

// Tracer returns the shared tracer for task-side spans.
func Tracer() trace.Tracer { return tracer }

// InitTracer initializes OpenTelemetry exporter and provider.
func InitTracer(endpoint string, serviceName string) func() {
	ctx := context.Background()

	// Set propagator for W3C TraceContext + Baggage for both server and client.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if endpoint == "" {
		// No remote exporter; still install a tracer provider with default settings
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

// TracingMiddleware creates a span for each HTTP request with context extraction.
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

// LoggingMiddleware writes structured logs for each HTTP request/response with trace correlation.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start)
		traceID := ""
		if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.IsValid() {
			traceID = sc.TraceID().String()
		}
		remote := clientIP(r)
		rid := github_chi_mw.GetReqID(r.Context())

		Infof("http_request method=%s path=%q status=%d duration=%s remote=%s trace_id=%s request_id=%s",
			r.Method, r.URL.Path, rr.status, dur, remote, traceID, rid)
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
