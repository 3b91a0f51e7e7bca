package middleware

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ObservabilityConfig controls request metrics, spans and access logs.
type ObservabilityConfig struct {
	ServiceName   string
	MetricsPrefix string
	LogRequests   bool
	Enabled       bool
}

// Observability instruments routes with a span, Prometheus series on a
// private registry and an optional access log line.
type Observability struct {
	cfg       ObservabilityConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	inflight  *prometheus.GaugeVec
	registry  *prometheus.Registry
}

func NewObservability(cfg ObservabilityConfig, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "trustworkd"
	}
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = "trustwork_http"
	}
	o := &Observability{
		cfg:      cfg,
		logger:   logger.With("component", "http"),
		tracer:   otel.Tracer(cfg.ServiceName),
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.MetricsPrefix,
			Name:      "requests_total",
			Help:      "Requests served per route, method and status.",
		}, []string{"route", "method", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.MetricsPrefix,
			Name:      "request_duration_seconds",
			Help:      "Request latency per route. Websocket streams report their full lifetime.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.MetricsPrefix,
			Name:      "requests_in_flight",
			Help:      "Requests currently being served, including open event streams.",
		}, []string{"route"}),
	}
	o.registry.MustRegister(o.requests, o.durations, o.inflight)
	return o
}

// Middleware instruments every request on route.
func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !o.cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			o.observe(route, next, w, r)
		})
	}
}

func (o *Observability) observe(route string, next http.Handler, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	gauge := o.inflight.WithLabelValues(route)
	gauge.Inc()
	defer gauge.Dec()

	ctx, span := o.tracer.Start(r.Context(), "http."+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.method", r.Method), attribute.String("http.route", route)),
	)
	defer span.End()

	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	next.ServeHTTP(recorder, r.WithContext(ctx))

	span.SetAttributes(attribute.Int("http.status_code", recorder.status))
	if recorder.status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(recorder.status))
	}
	elapsed := time.Since(start)
	o.requests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Inc()
	o.durations.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())
	if !o.cfg.LogRequests {
		return
	}
	o.logger.Info("request served",
		"route", route,
		"method", r.Method,
		"endpoint", r.URL.Path,
		"status", recorder.status,
		"duration_ms", float64(elapsed.Microseconds())/1000,
	)
}

// MetricsHandler serves the HTTP metrics together with everything registered
// on the default registry.
func (o *Observability) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(prometheus.Gatherers{o.registry, prometheus.DefaultGatherer}, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Hijack lets websocket upgrades pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("middleware: response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
