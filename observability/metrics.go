package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LendingMetrics groups the Prometheus collectors recording loan engine
// activity.
type LendingMetrics struct {
	loansOpened  prometheus.Counter
	repayments   *prometheus.CounterVec
	liquidations prometheus.Counter
	failures     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	bands        *prometheus.CounterVec
}

var (
	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics
)

// Lending returns the lazily-initialised lending metrics registry.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			loansOpened: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "lending",
				Name:      "loans_opened_total",
				Help:      "Total loans successfully originated.",
			}),
			repayments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "lending",
				Name:      "repayments_total",
				Help:      "Total applied repayments segmented by outcome.",
			}, []string{"outcome"}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "lending",
				Name:      "liquidations_total",
				Help:      "Total forced loan closures.",
			}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "lending",
				Name:      "operation_failures_total",
				Help:      "Total failed lending operations segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nftlend",
				Subsystem: "lending",
				Name:      "operation_seconds",
				Help:      "Latency of lending operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			bands: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "lending",
				Name:      "health_band_observations_total",
				Help:      "Risk band observed each time a position is evaluated for a read.",
			}, []string{"band"}),
		}
		prometheus.MustRegister(
			lendingRegistry.loansOpened,
			lendingRegistry.repayments,
			lendingRegistry.liquidations,
			lendingRegistry.failures,
			lendingRegistry.latency,
			lendingRegistry.bands,
		)
	})
	return lendingRegistry
}

// LoanOpened records a successful origination.
func (m *LendingMetrics) LoanOpened() {
	if m == nil {
		return
	}
	m.loansOpened.Inc()
}

// Repayment records an applied repayment. Final repayments close the loan.
func (m *LendingMetrics) Repayment(final bool) {
	if m == nil {
		return
	}
	outcome := "partial"
	if final {
		outcome = "final"
	}
	m.repayments.WithLabelValues(outcome).Inc()
}

// Liquidation records a forced closure.
func (m *LendingMetrics) Liquidation() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
}

// Failure records a rejected or failed operation.
func (m *LendingMetrics) Failure(operation, reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(operation, reason).Inc()
}

// BandObserved records the risk band seen while summarising a position.
func (m *LendingMetrics) BandObserved(band string) {
	if m == nil {
		return
	}
	m.bands.WithLabelValues(band).Inc()
}

// ObserveOperation records operation latency from the supplied start time.
func (m *LendingMetrics) ObserveOperation(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
