package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store/applier metrics
	EventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_events_appended_total",
			Help: "Total number of events appended by aggregate kind",
		},
		[]string{"aggregate_kind"},
	)

	ChainMismatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_chain_mismatch_total",
			Help: "Total number of PREV_CHAIN_HASH_MISMATCH conflicts by aggregate kind",
		},
		[]string{"aggregate_kind"},
	)

	LedgerEntriesAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_ledger_entries_applied_total",
			Help: "Total number of ledger entries applied by currency",
		},
		[]string{"currency"},
	)

	ApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proxy_apply_duration_seconds",
			Help:    "Time taken to apply one operation batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Delivery worker metrics (spec §4.6)
	DeliveryAttemptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_delivery_attempt_total",
			Help: "Total number of delivery attempts by destination type",
		},
		[]string{"destination_type"},
	)

	DeliverySuccessTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_delivery_success_total",
			Help: "Total number of successful deliveries by destination type",
		},
		[]string{"destination_type"},
	)

	DeliveryFailTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_delivery_fail_total",
			Help: "Total number of failed delivery attempts by destination type",
		},
		[]string{"destination_type"},
	)

	DeliveryDLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_delivery_dlq_total",
			Help: "Total number of deliveries that exhausted retry budget by destination type",
		},
		[]string{"destination_type"},
	)

	DeliveryAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_delivery_attempt_duration_seconds",
			Help:    "Time taken for one delivery attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"destination_type"},
	)

	// Tick scheduler metrics (spec §4.7)
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proxy_tick_duration_seconds",
			Help:    "Time taken for one full tick pass in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
	)

	SweepErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_sweep_errors_total",
			Help: "Total number of per-sweep errors caught during a tick, by sweep name",
		},
		[]string{"sweep"},
	)

	// Insolvency sweep metrics (spec §4.8)
	InsolvencyFrozenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_insolvency_frozen_total",
			Help: "Total number of agents frozen by the insolvency sweep",
		},
	)

	InsolvencyScannedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_insolvency_scanned_total",
			Help: "Total number of agents scanned by the insolvency sweep",
		},
	)

	InsolvencyFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_insolvency_failures_total",
			Help: "Total number of per-agent errors captured by the insolvency sweep",
		},
	)
)

func init() {
	prometheus.MustRegister(EventsAppendedTotal)
	prometheus.MustRegister(ChainMismatchTotal)
	prometheus.MustRegister(LedgerEntriesAppliedTotal)
	prometheus.MustRegister(ApplyDuration)

	prometheus.MustRegister(DeliveryAttemptTotal)
	prometheus.MustRegister(DeliverySuccessTotal)
	prometheus.MustRegister(DeliveryFailTotal)
	prometheus.MustRegister(DeliveryDLQTotal)
	prometheus.MustRegister(DeliveryAttemptDuration)

	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(SweepErrorsTotal)

	prometheus.MustRegister(InsolvencyFrozenTotal)
	prometheus.MustRegister(InsolvencyScannedTotal)
	prometheus.MustRegister(InsolvencyFailuresTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Sink adapts this package's counters to pkg/store.MetricsSink so the Tx
// Applier can emit counters without importing prometheus directly.
type Sink struct{}

// IncCounter increments the named counter. Only names the applier
// actually emits are wired; anything else is silently ignored rather
// than panicking, since new counters may be added without touching the
// applier.
func (Sink) IncCounter(name string, labels map[string]string) {
	switch name {
	case "events_appended_total":
		EventsAppendedTotal.WithLabelValues(labels["aggregate_kind"]).Inc()
	case "chain_mismatch_total":
		ChainMismatchTotal.WithLabelValues(labels["aggregate_kind"]).Inc()
	case "ledger_entries_applied_total":
		LedgerEntriesAppliedTotal.WithLabelValues(labels["currency"]).Inc()
	}
}

// ObserveDuration records a named duration to its histogram. Only names
// the applier actually emits are wired; anything else is silently
// ignored rather than panicking.
func (Sink) ObserveDuration(name string, seconds float64) {
	switch name {
	case "apply_duration_seconds":
		ApplyDuration.Observe(seconds)
	}
}
