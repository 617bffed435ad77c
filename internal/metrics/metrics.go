// Package metrics exposes Prometheus instruments for the ledger engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine's instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	EntriesPosted    *prometheus.CounterVec
	Operations       *prometheus.CounterVec
	PostingFailures  *prometheus.CounterVec
	DriftFindings    *prometheus.CounterVec
	LeaseWaitSeconds prometheus.Histogram
}

// New creates the instruments and registers them with reg. Pass
// prometheus.NewRegistry() in tests to avoid global registration clashes.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EntriesPosted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripledger",
			Name:      "ledger_entries_posted_total",
			Help:      "Ledger entries written, by type and direction.",
		}, []string{"type", "direction"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripledger",
			Name:      "operations_total",
			Help:      "Trip lifecycle and dispute operations, by operation and outcome.",
		}, []string{"op", "outcome"}),
		PostingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripledger",
			Name:      "posting_failures_total",
			Help:      "Secondary ledger or audit writes that failed after the primary mutation succeeded.",
		}, []string{"op"}),
		DriftFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripledger",
			Name:      "reconcile_drift_findings_total",
			Help:      "Inconsistencies found by the reconciliation job, by kind.",
		}, []string{"kind"}),
		LeaseWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tripledger",
			Name:      "lease_wait_seconds",
			Help:      "Time spent waiting for a per-trip lease.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.EntriesPosted, m.Operations, m.PostingFailures, m.DriftFindings, m.LeaseWaitSeconds)
	}
	return m
}

func (m *Metrics) EntryPosted(entryType, direction string) {
	if m == nil {
		return
	}
	m.EntriesPosted.WithLabelValues(entryType, direction).Inc()
}

func (m *Metrics) Operation(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) PostingFailure(op string) {
	if m == nil {
		return
	}
	m.PostingFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) Drift(kind string) {
	if m == nil {
		return
	}
	m.DriftFindings.WithLabelValues(kind).Inc()
}

// ObserveLeaseWait matches lease.WaitObserver.
func (m *Metrics) ObserveLeaseWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LeaseWaitSeconds.Observe(d.Seconds())
}
