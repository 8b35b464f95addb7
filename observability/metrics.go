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

	dispatchMetricsOnce sync.Once
	dispatchRegistry    *DispatchMetrics

	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record gateway
// request activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total gateway requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "gateway",
				Name:      "errors_total",
				Help:      "Total gateway errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendpool",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Count of gateway requests rejected due to throttling policies.",
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

// Observe records the outcome of a gateway request. The status code should be
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
// reason.
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

// DispatchMetrics tracks contract calls routed through the dispatcher.
type DispatchMetrics struct {
	calls   *prometheus.CounterVec
	gas     *prometheus.HistogramVec
	latency *prometheus.HistogramVec
}

// Dispatch returns the dispatcher metrics registry.
func Dispatch() *DispatchMetrics {
	dispatchMetricsOnce.Do(func() {
		dispatchRegistry = &DispatchMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "dispatch",
				Name:      "calls_total",
				Help:      "Contract calls segmented by contract kind, function, call depth and outcome.",
			}, []string{"contract", "function", "depth", "outcome"}),
			gas: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendpool",
				Subsystem: "dispatch",
				Name:      "gas_used",
				Help:      "Gas consumed per contract call.",
				Buckets:   prometheus.ExponentialBuckets(500, 2, 12),
			}, []string{"contract", "function"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendpool",
				Subsystem: "dispatch",
				Name:      "call_duration_seconds",
				Help:      "Wall clock duration of contract calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"contract", "function"}),
		}
		prometheus.MustRegister(dispatchRegistry.calls, dispatchRegistry.gas, dispatchRegistry.latency)
	})
	return dispatchRegistry
}

// ObserveCall records a finished contract call.
func (m *DispatchMetrics) ObserveCall(contract, function string, depth int, gasUsed uint64, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.calls.WithLabelValues(contract, function, fmt.Sprintf("%d", depth), outcome).Inc()
	m.gas.WithLabelValues(contract, function).Observe(float64(gasUsed))
	m.latency.WithLabelValues(contract, function).Observe(duration.Seconds())
}

// LendingMetrics tracks pool balances and router flows.
type LendingMetrics struct {
	flows       *prometheus.CounterVec
	reserve     *prometheus.GaugeVec
	totalBorrow *prometheus.GaugeVec
	utilisation *prometheus.GaugeVec
	events      *prometheus.CounterVec
}

// Lending returns the lending metrics registry.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			flows: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "router",
				Name:      "flows_total",
				Help:      "Router flows segmented by kind and terminal stage.",
			}, []string{"kind", "stage"}),
			reserve: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "reserve_amount",
				Help:      "Reserve held by each pool after the last committed change.",
			}, []string{"asset"}),
			totalBorrow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "total_borrow",
				Help:      "Outstanding principal plus committed interest per pool.",
			}, []string{"asset"}),
			utilisation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "utilisation_ratio",
				Help:      "Capital utilisation per pool as a ratio between 0 and 1.",
			}, []string{"asset"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Committed contract events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(
			lendingRegistry.flows,
			lendingRegistry.reserve,
			lendingRegistry.totalBorrow,
			lendingRegistry.utilisation,
			lendingRegistry.events,
		)
	})
	return lendingRegistry
}

// RecordFlow increments the flow counter.
func (m *LendingMetrics) RecordFlow(kind, stage string) {
	if m == nil {
		return
	}
	m.flows.WithLabelValues(kind, stage).Inc()
}

// RecordPool publishes the pool counters. Utilisation is a fixed-point value
// scaled by precision.
func (m *LendingMetrics) RecordPool(asset string, reserve, totalBorrow, utilisation, precision *big.Int) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	m.reserve.WithLabelValues(label).Set(bigToFloat(reserve))
	m.totalBorrow.WithLabelValues(label).Set(bigToFloat(totalBorrow))
	if precision != nil && precision.Sign() > 0 {
		m.utilisation.WithLabelValues(label).Set(bigToFloat(utilisation) / bigToFloat(precision))
	}
}

// RecordEvent counts a committed event.
func (m *LendingMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.events.WithLabelValues(eventType).Inc()
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
