// Package metrics exposes per node prometheus collectors, labelled by log.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sharedlog"

type Metrics struct {
	registry *prometheus.Registry

	entries      *prometheus.GaugeVec
	pending      *prometheus.GaugeVec
	memory       *prometheus.GaugeVec
	factor       *prometheus.GaugeVec
	replicators  *prometheus.GaugeVec
	messagesIn   *prometheus.CounterVec
	messagesOut  *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	pruned       *prometheus.CounterVec
	stale        *prometheus.CounterVec
	unconfirmed  *prometheus.CounterVec
	objectiveErr *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "entries",
			Help: "Entries held by this peer.",
		}, []string{"log"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_entries",
			Help: "Entries waiting for predecessors.",
		}, []string{"log"}),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "memory_bytes",
			Help: "Block bytes held by this peer.",
		}, []string{"log"}),
		factor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "replication_factor",
			Help: "Local replication factor.",
		}, []string{"log"}),
		replicators: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "replicators",
			Help: "Active replicators in the current view.",
		}, []string{"log"}),
		messagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_received_total",
			Help: "Messages received by kind.",
		}, []string{"log", "kind"}),
		messagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_total",
			Help: "Messages sent by kind.",
		}, []string{"log", "kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dropped_messages_total",
			Help: "Outgoing messages dropped because the outbox was full.",
		}, []string{"log", "kind"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pruned_entries_total",
			Help: "Entries deleted after quorum confirmation.",
		}, []string{"log"}),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_announcements_total",
			Help: "Announcements dropped for not being newer than the known one.",
		}, []string{"log"}),
		unconfirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "quorum_unconfirmed_total",
			Help: "Prune candidates retained because the quorum did not confirm in time.",
		}, []string{"log"}),
		objectiveErr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "objective_errors_total",
			Help: "Rebalancing rounds that fell back to an even split.",
		}, []string{"log"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.entries, m.pending, m.memory, m.factor, m.replicators,
		m.messagesIn, m.messagesOut, m.dropped, m.pruned, m.stale, m.unconfirmed, m.objectiveErr,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Log returns collectors bound to one log. A nil Metrics yields a no-op.
func (m *Metrics) Log(name string) *Log {
	if m == nil {
		return nil
	}
	return &Log{m: m, name: name}
}

// Log is nil safe: every method on a nil *Log does nothing.
type Log struct {
	m    *Metrics
	name string
}

func (l *Log) Held(entries, pending int, memory int64) {
	if l == nil {
		return
	}
	l.m.entries.WithLabelValues(l.name).Set(float64(entries))
	l.m.pending.WithLabelValues(l.name).Set(float64(pending))
	l.m.memory.WithLabelValues(l.name).Set(float64(memory))
}

func (l *Log) Factor(f float64, replicators int) {
	if l == nil {
		return
	}
	l.m.factor.WithLabelValues(l.name).Set(f)
	l.m.replicators.WithLabelValues(l.name).Set(float64(replicators))
}

func (l *Log) Received(kind string) {
	if l == nil {
		return
	}
	l.m.messagesIn.WithLabelValues(l.name, kind).Inc()
}

func (l *Log) Sent(kind string) {
	if l == nil {
		return
	}
	l.m.messagesOut.WithLabelValues(l.name, kind).Inc()
}

func (l *Log) Dropped(kind string) {
	if l == nil {
		return
	}
	l.m.dropped.WithLabelValues(l.name, kind).Inc()
}

func (l *Log) Pruned() {
	if l == nil {
		return
	}
	l.m.pruned.WithLabelValues(l.name).Inc()
}

func (l *Log) StaleAnnouncement() {
	if l == nil {
		return
	}
	l.m.stale.WithLabelValues(l.name).Inc()
}

func (l *Log) QuorumUnconfirmed(n int) {
	if l == nil {
		return
	}
	l.m.unconfirmed.WithLabelValues(l.name).Add(float64(n))
}

func (l *Log) ObjectiveError() {
	if l == nil {
		return
	}
	l.m.objectiveErr.WithLabelValues(l.name).Inc()
}

// Forget drops the series of a closed log.
func (l *Log) Forget() {
	if l == nil {
		return
	}
	for _, v := range []*prometheus.GaugeVec{l.m.entries, l.m.pending, l.m.memory, l.m.factor, l.m.replicators} {
		v.DeleteLabelValues(l.name)
	}
}
