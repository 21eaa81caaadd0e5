package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	loanEvents *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking loan lifecycle events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			loanEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "events",
				Name:      "loan_events_total",
				Help:      "Count of emitted loan lifecycle events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.loanEvents)
	})
	return eventRegistry
}

// RecordLoanEvent increments the counter for the supplied event type.
func (m *eventMetrics) RecordLoanEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.loanEvents.WithLabelValues(normalized).Inc()
}
