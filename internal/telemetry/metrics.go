// internal/telemetry/metrics.go
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds one node's instruments on a private registry, so several
// nodes can share a process (the in-process mesh tests do) without
// registration collisions.
type Metrics struct {
	Registry *prometheus.Registry

	Published      *prometheus.CounterVec
	Received       *prometheus.CounterVec
	Dropped        *prometheus.CounterVec
	Relayed        prometheus.Counter
	Acked          prometheus.Counter
	LocksCommitted prometheus.Counter
	LocksRejected  prometheus.Counter
	LocksExpired   prometheus.Counter
	GossipApplied  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}
	m.Published = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "messages_published_total",
			Help:      "Outbound messages handed to the transport or outbox.",
		},
		[]string{"kind"},
	)
	m.Received = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "messages_received_total",
			Help:      "Inbound messages that passed every pipeline stage.",
		},
		[]string{"kind"},
	)
	m.Dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "messages_dropped_total",
			Help:      "Inbound messages rejected, labeled by pipeline stage.",
		},
		[]string{"reason"},
	)
	m.Relayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hive",
		Name:      "messages_relayed_total",
		Help:      "Messages forwarded on behalf of other senders.",
	})
	m.Acked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hive",
		Name:      "acks_sent_total",
		Help:      "Acknowledgments emitted for critical messages.",
	})
	m.LocksCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hive",
		Name:      "locks_committed_total",
		Help:      "Intent acquisitions this node won.",
	})
	m.LocksRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hive",
		Name:      "locks_rejected_total",
		Help:      "Intent acquisitions this node lost or found held.",
	})
	m.LocksExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hive",
		Name:      "locks_expired_total",
		Help:      "Committed locks dropped after their TTL elapsed.",
	})
	m.GossipApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hive",
		Name:      "gossip_states_applied_total",
		Help:      "Member state updates merged into the local map.",
	})

	m.Registry.MustRegister(
		m.Published, m.Received, m.Dropped, m.Relayed, m.Acked,
		m.LocksCommitted, m.LocksRejected, m.LocksExpired, m.GossipApplied,
	)

	start := time.Now()
	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "hive",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(start).Seconds() },
	)
	m.Registry.MustRegister(uptime)
	return m
}

// Handler exposes the node's registry for a /metrics mount.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
