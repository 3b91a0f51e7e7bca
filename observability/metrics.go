package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "trustwork",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "trustwork",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "trustwork",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "trustwork",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// EscrowMetrics tracks agreement lifecycle activity.
type EscrowMetrics struct {
	operations *prometheus.CounterVec
	value      *prometheus.CounterVec
	active     prometheus.Gauge
}

// Escrow returns the lazily-initialised escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "trustwork",
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Escrow operations segmented by operation and result code.",
			}, []string{"operation", "result"}),
			value: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "trustwork",
				Subsystem: "escrow",
				Name:      "value_total",
				Help:      "Value moved through escrow in base units, by direction.",
			}, []string{"direction"}),
			active: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "trustwork",
				Subsystem: "escrow",
				Name:      "active_agreements",
				Help:      "Agreements created by this process that are still active.",
			}),
		}
		prometheus.MustRegister(escrowRegistry.operations, escrowRegistry.value, escrowRegistry.active)
	})
	return escrowRegistry
}

// RecordOperation counts one engine call. result is "ok" or the engine error
// code.
func (m *EscrowMetrics) RecordOperation(operation, result string) {
	if m == nil {
		return
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = "unknown"
	}
	if result == "" {
		result = "error"
	}
	m.operations.WithLabelValues(operation, result).Inc()
}

// RecordValue adds amount to the counter for direction ("funded", "released"
// or "refunded").
func (m *EscrowMetrics) RecordValue(direction string, amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	m.value.WithLabelValues(direction).Add(bigToFloat(amount))
}

// AgreementOpened increments the active agreement gauge.
func (m *EscrowMetrics) AgreementOpened() {
	if m == nil {
		return
	}
	m.active.Inc()
}

// AgreementClosed decrements the active agreement gauge.
func (m *EscrowMetrics) AgreementClosed() {
	if m == nil {
		return
	}
	m.active.Dec()
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
