// Package observability exposes Prometheus metrics for the escrow engine and
// the payout splitter.
package observability

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"btcescrow/native/invoice"
)

// EscrowMetrics implements escrow.Metrics and payout.Metrics.
type EscrowMetrics struct {
	transitions     *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	railEvents      *prometheus.CounterVec
	activeWatches   prometheus.Gauge
	releases        prometheus.Counter
	releasedSats    *prometheus.CounterVec
	transferFailure *prometheus.CounterVec
}

// NewEscrowMetrics builds the collectors and registers them on reg.
func NewEscrowMetrics(reg prometheus.Registerer) (*EscrowMetrics, error) {
	m := &EscrowMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btcescrow",
			Subsystem: "invoice",
			Name:      "transitions_total",
			Help:      "Invoice status transitions segmented by source and target status.",
		}, []string{"from", "to"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btcescrow",
			Subsystem: "invoice",
			Name:      "reconciliations_total",
			Help:      "Invoices flagged for operator reconciliation by reason.",
		}, []string{"reason"}),
		railEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btcescrow",
			Subsystem: "rail",
			Name:      "events_total",
			Help:      "Settlement rail events consumed by the engine.",
		}, []string{"method", "kind"}),
		activeWatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "btcescrow",
			Subsystem: "rail",
			Name:      "active_watches",
			Help:      "Payment targets currently watched.",
		}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btcescrow",
			Subsystem: "payout",
			Name:      "releases_total",
			Help:      "Escrows released to the payee.",
		}),
		releasedSats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btcescrow",
			Subsystem: "payout",
			Name:      "released_sats_total",
			Help:      "Satoshis released, split into payee and fee legs.",
		}, []string{"leg"}),
		transferFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btcescrow",
			Subsystem: "payout",
			Name:      "transfer_failures_total",
			Help:      "Payout transfers the rail backend refused or failed.",
		}, []string{"leg"}),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *EscrowMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.transitions, m.reconciliations, m.railEvents, m.activeWatches,
		m.releases, m.releasedSats, m.transferFailure,
	}
}

func (m *EscrowMetrics) RecordTransition(from, to invoice.Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *EscrowMetrics) RecordReconciliation(reason string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(label(reason)).Inc()
}

func (m *EscrowMetrics) RecordRailEvent(method invoice.Method, kind string) {
	if m == nil {
		return
	}
	m.railEvents.WithLabelValues(string(method), label(kind)).Inc()
}

func (m *EscrowMetrics) SetActiveWatches(n int) {
	if m == nil {
		return
	}
	m.activeWatches.Set(float64(n))
}

func (m *EscrowMetrics) RecordRelease(split invoice.PayoutSplit) {
	if m == nil {
		return
	}
	m.releases.Inc()
	m.releasedSats.WithLabelValues("payee").Add(float64(split.PayeeSats))
	m.releasedSats.WithLabelValues("fee").Add(float64(split.FeeSats))
}

func (m *EscrowMetrics) RecordTransferFailure(leg string) {
	if m == nil {
		return
	}
	m.transferFailure.WithLabelValues(label(leg)).Inc()
}

func label(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}
