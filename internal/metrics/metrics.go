// Package metrics holds the Prometheus collectors for the patrol core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	StoreOps        *prometheus.HistogramVec
	Derivations     *prometheus.CounterVec
	ActionWrites    *prometheus.CounterVec
	Reloads         *prometheus.CounterVec
	SyncEvents      *prometheus.CounterVec
	DiscardedReload *prometheus.CounterVec
	Resubscribes    *prometheus.CounterVec
	RollupCache     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses a
// private registry, which keeps tests independent of the global one.
func New(reg prometheus.Registerer) (*Metrics, error) {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		StoreOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patrol_store_op_seconds",
			Help:    "Record store call latency partitioned by collection, op and result.",
			Buckets: prometheus.DefBuckets,
		}, []string{"collection", "op", "result"}),
		Derivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_derivations_total",
			Help: "Derivation runs partitioned by outcome.",
		}, []string{"result"}),
		ActionWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_corrective_action_writes_total",
			Help: "Corrective action writes issued by derivation partitioned by kind.",
		}, []string{"kind"}),
		Reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_sync_reloads_total",
			Help: "Full-collection reloads partitioned by collection, trigger and result.",
		}, []string{"collection", "trigger", "result"}),
		SyncEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_sync_events_total",
			Help: "Change notifications seen by the sync loop partitioned by what they caused: started, queued or coalesced.",
		}, []string{"collection", "disposition"}),
		DiscardedReload: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_sync_reloads_discarded_total",
			Help: "Reload results dropped because a newer one was applied or the view closed.",
		}, []string{"collection"}),
		Resubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_sync_resubscribes_total",
			Help: "Change feed re-subscriptions after a lost subscription.",
		}, []string{"collection", "result"}),
		RollupCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_rollup_cache_total",
			Help: "Rollup cache lookups partitioned by rollup and outcome.",
		}, []string{"rollup", "outcome"}),
		gatherer: gatherer,
	}

	for _, c := range []prometheus.Collector{
		m.StoreOps, m.Derivations, m.ActionWrites, m.Reloads, m.SyncEvents,
		m.DiscardedReload, m.Resubscribes, m.RollupCache,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewNop returns metrics on a private registry and never fails.
func NewNop() *Metrics {
	m, err := New(nil)
	if err != nil {
		panic(err)
	}
	return m
}

// Handler serves the registry the metrics were registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
