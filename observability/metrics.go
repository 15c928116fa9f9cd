package observability

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"stablevault/native/cdp"
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

	cdpMetricsOnce sync.Once
	cdpRegistry    *CDPMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablevault",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module, route and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablevault",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stablevault",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablevault",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
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

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
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
// reason. Reasons should be stable strings such as "rate_limit".
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

// CDPMetrics instruments the position engine. It satisfies cdp.Metrics.
type CDPMetrics struct {
	operations   *prometheus.CounterVec
	liquidations *prometheus.CounterVec
	seized       *prometheus.CounterVec
	health       prometheus.Histogram
}

var _ cdp.Metrics = (*CDPMetrics)(nil)

// CDP returns the singleton engine metrics registry.
func CDP() *CDPMetrics {
	cdpMetricsOnce.Do(func() {
		cdpRegistry = &CDPMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablevault",
				Subsystem: "cdp",
				Name:      "operations_total",
				Help:      "Engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablevault",
				Subsystem: "cdp",
				Name:      "liquidations_total",
				Help:      "Completed liquidations segmented by collateral asset.",
			}, []string{"asset"}),
			seized: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablevault",
				Subsystem: "cdp",
				Name:      "seized_collateral_units_total",
				Help:      "Whole units of collateral seized by liquidators, bonus included.",
			}, []string{"asset"}),
			health: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "stablevault",
				Subsystem: "cdp",
				Name:      "health_factor",
				Help:      "Health factors observed by solvency checks on indebted accounts.",
				Buckets:   []float64{0.5, 0.8, 0.9, 1, 1.1, 1.25, 1.5, 2, 3, 5, 10},
			}),
		}
		prometheus.MustRegister(
			cdpRegistry.operations,
			cdpRegistry.liquidations,
			cdpRegistry.seized,
			cdpRegistry.health,
		)
	})
	return cdpRegistry
}

func (m *CDPMetrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, OutcomeLabel(err)).Inc()
}

func (m *CDPMetrics) ObserveLiquidation(asset cdp.AssetID, seized cdp.Amount) {
	if m == nil {
		return
	}
	label := labelAsset(string(asset))
	m.liquidations.WithLabelValues(label).Inc()
	m.seized.WithLabelValues(label).Add(AmountToFloat(seized))
}

func (m *CDPMetrics) ObserveHealthFactor(value cdp.Amount) {
	if m == nil {
		return
	}
	m.health.Observe(AmountToFloat(value))
}

// OutcomeLabel maps an engine error to a low-cardinality label.
func OutcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, cdp.ErrReentrantCall):
		return "reentrant"
	case errors.Is(err, cdp.ErrHealthFactorBroken):
		return "health_factor_broken"
	case errors.Is(err, cdp.ErrHealthFactorOK), errors.Is(err, cdp.ErrHealthFactorNotImproved):
		return "liquidation_rejected"
	case errors.Is(err, cdp.ErrInvalidAmount), errors.Is(err, cdp.ErrAssetNotAllowed), errors.Is(err, cdp.ErrInsufficientBalance):
		return "invalid_request"
	default:
		return "error"
	}
}

// OracleMetrics tracks price feed freshness and rejected samples.
type OracleMetrics struct {
	price    *prometheus.GaugeVec
	age      *prometheus.GaugeVec
	rejected *prometheus.CounterVec
}

// Oracle returns the singleton registry for the daemon's oracle manager.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "stablevault",
				Subsystem: "oracle",
				Name:      "price_usd",
				Help:      "Latest published median price per feed.",
			}, []string{"feed"}),
			age: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "stablevault",
				Subsystem: "oracle",
				Name:      "round_age_seconds",
				Help:      "Age of the newest sample contributing to the published round.",
			}, []string{"feed"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablevault",
				Subsystem: "oracle",
				Name:      "samples_rejected_total",
				Help:      "Samples discarded before aggregation segmented by reason.",
			}, []string{"feed", "reason"}),
		}
		prometheus.MustRegister(oracleRegistry.price, oracleRegistry.age, oracleRegistry.rejected)
	})
	return oracleRegistry
}

// RecordRound publishes the latest aggregated price for feed.
func (m *OracleMetrics) RecordRound(feed string, price float64, age time.Duration) {
	if m == nil {
		return
	}
	m.price.WithLabelValues(feed).Set(price)
	m.age.WithLabelValues(feed).Set(math.Max(age.Seconds(), 0))
}

// RecordRejected counts a discarded sample.
func (m *OracleMetrics) RecordRejected(feed, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.rejected.WithLabelValues(feed, reason).Inc()
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

// AmountToFloat converts a Precision-scaled amount to whole units.
func AmountToFloat(value cdp.Amount) float64 {
	if value == cdp.MaxAmount {
		return math.Inf(1)
	}
	scaled := new(big.Float).Quo(new(big.Float).SetInt(value.Big()), new(big.Float).SetInt(cdp.Precision.Big()))
	floatVal, _ := scaled.Float64()
	if math.IsNaN(floatVal) {
		return 0
	}
	return floatVal
}
