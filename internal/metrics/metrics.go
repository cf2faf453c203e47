// Package metrics exposes engine counters and gauges to Prometheus.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ledgerline"

// Pass summarizes one reconciliation pass for a channel.
type Pass struct {
	Timeline   int
	Reactions  int
	Unresolved int
	Withheld   int
	Superseded int
	Rejected   int
}

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	passes          *prometheus.CounterVec
	transactions    *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	emptyMemo       *prometheus.CounterVec
	transportErrors *prometheus.CounterVec
	staleResults    *prometheus.CounterVec
	timeline        *prometheus.GaugeVec
	reactions       *prometheus.GaugeVec
	unresolved      *prometheus.GaugeVec
	withheld        *prometheus.GaugeVec
	pending         *prometheus.GaugeVec
}

// New creates metrics registered on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	channel := []string{"channel"}

	m := &Metrics{
		registry: reg,
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "passes_total",
			Help: "Reconciliation passes completed.",
		}, channel),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transactions_decoded_total",
			Help: "Transactions run through the part decoder.",
		}, channel),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "decode_errors_total",
			Help: "Protocol payloads that failed to decode.",
		}, channel),
		emptyMemo: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "empty_transactions_total",
			Help: "Transactions recorded as permanently empty.",
		}, channel),
		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transport_errors_total",
			Help: "Failed collaborator calls by operation.",
		}, []string{"channel", "op"}),
		staleResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_results_total",
			Help: "Operation results discarded after a channel switch.",
		}, channel),
		timeline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "timeline_messages",
			Help: "Messages in the current timeline.",
		}, channel),
		reactions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "reaction_targets",
			Help: "Messages with at least one reaction group.",
		}, channel),
		unresolved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "unresolved_messages",
			Help: "Message ids with an incomplete fragment run.",
		}, channel),
		withheld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "withheld_messages",
			Help: "Messages locked for insufficient balance.",
		}, channel),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_outcomes",
			Help: "Pending messages resolved in the last pass by outcome.",
		}, []string{"channel", "outcome"}),
	}

	reg.MustRegister(
		m.passes, m.transactions, m.decodeErrors, m.emptyMemo,
		m.transportErrors, m.staleResults,
		m.timeline, m.reactions, m.unresolved, m.withheld, m.pending,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePass records the outcome of a pass.
func (m *Metrics) ObservePass(channel string, p Pass) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(channel).Inc()
	m.timeline.WithLabelValues(channel).Set(float64(p.Timeline))
	m.reactions.WithLabelValues(channel).Set(float64(p.Reactions))
	m.unresolved.WithLabelValues(channel).Set(float64(p.Unresolved))
	m.withheld.WithLabelValues(channel).Set(float64(p.Withheld))
	m.pending.WithLabelValues(channel, "superseded").Set(float64(p.Superseded))
	m.pending.WithLabelValues(channel, "rejected").Set(float64(p.Rejected))
}

// ObserveDecode records a decoded batch: n transactions, how many decoded to
// nothing and how many failed.
func (m *Metrics) ObserveDecode(channel string, n, empty, failed int) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(channel).Add(float64(n))
	m.emptyMemo.WithLabelValues(channel).Add(float64(empty))
	m.decodeErrors.WithLabelValues(channel).Add(float64(failed))
}

// TransportError records a failed collaborator call.
func (m *Metrics) TransportError(channel, op string) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(channel, op).Inc()
}

// Stale records a discarded operation result.
func (m *Metrics) Stale(channel string) {
	if m == nil {
		return
	}
	m.staleResults.WithLabelValues(channel).Inc()
}
