// Package metrics exposes the core's internal counters as Prometheus
// collectors (SPEC_FULL.md §5 AMBIENT STACK "Metrics"), promoting the
// teacher's hand-rolled atomic PoolStats/ClientStats (stats.go) to a
// real /metrics surface the way etalazz-vsa's proxy command wires
// promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pior/trafficcore/session"
)

// Metrics bundles every collector the core registers. Construct one per
// process and pass it down to the packages that report through it;
// there is no package-level global registry (spec §9 "Global mutable
// state" posture carried into the ambient stack too).
type Metrics struct {
	HookLatency      *prometheus.HistogramVec
	CacheVerdicts    *prometheus.CounterVec
	SessionTransitions *prometheus.CounterVec
	TransformBytes   *prometheus.CounterVec
	ParentFailovers  prometheus.Counter

	PoolTotalConns  *prometheus.GaugeVec
	PoolIdleConns   *prometheus.GaugeVec
	PoolActiveConns *prometheus.GaugeVec
}

// New creates and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trafficcore",
			Subsystem: "hooks",
			Name:      "dispatch_seconds",
			Help:      "Latency of hook dispatch at each hook point.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"point"}),
		CacheVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trafficcore",
			Subsystem: "cache",
			Name:      "verdicts_total",
			Help:      "Cache lookup verdicts by kind.",
		}, []string{"verdict"}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trafficcore",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session state transitions by target state.",
		}, []string{"state"}),
		TransformBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trafficcore",
			Subsystem: "transform",
			Name:      "bytes_total",
			Help:      "Bytes passed through the transform chain, by stage.",
		}, []string{"stage"}),
		ParentFailovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trafficcore",
			Subsystem: "resolver",
			Name:      "parent_failovers_total",
			Help:      "Number of times the resolver moved to the next parent candidate.",
		}),
		PoolTotalConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trafficcore", Subsystem: "pool", Name: "total_conns",
			Help: "Total connections tracked by a server-session pool.",
		}, []string{"addr"}),
		PoolIdleConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trafficcore", Subsystem: "pool", Name: "idle_conns",
			Help: "Idle connections in a server-session pool.",
		}, []string{"addr"}),
		PoolActiveConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trafficcore", Subsystem: "pool", Name: "active_conns",
			Help: "Active (checked-out) connections in a server-session pool.",
		}, []string{"addr"}),
	}

	reg.MustRegister(
		m.HookLatency, m.CacheVerdicts, m.SessionTransitions, m.TransformBytes,
		m.ParentFailovers, m.PoolTotalConns, m.PoolIdleConns, m.PoolActiveConns,
	)
	return m
}

// ObservePoolStats re-exports a session.Pool's snapshot as gauges,
// keyed by addr (teacher's stats.go doc comment suggests exactly this
// PoolStats → gauge mapping).
func (m *Metrics) ObservePoolStats(addr string, s session.PoolStats) {
	m.PoolTotalConns.WithLabelValues(addr).Set(float64(s.TotalConns))
	m.PoolIdleConns.WithLabelValues(addr).Set(float64(s.IdleConns))
	m.PoolActiveConns.WithLabelValues(addr).Set(float64(s.ActiveConns))
}
