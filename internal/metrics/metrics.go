// Package metrics maintains the internal Prometheus registry for hashrate,
// dataset-build duration and proof-store queue depth. Exporting these over
// HTTP is an external collaborator's job (spec §1); this package only keeps
// the counters so get_hashrate and operator tooling share one source of
// truth.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the gauges/counters the prover maintains internally.
type Registry struct {
	reg *prometheus.Registry

	HashesTotal      *prometheus.CounterVec
	ProofsTotal      *prometheus.CounterVec
	DatasetBuildSecs prometheus.Histogram
	ProofQueueDepth  prometheus.Gauge
	ActiveWorkers    prometheus.Gauge
}

// NewRegistry builds and registers a fresh metric set.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		HashesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccp",
			Name:      "hashes_total",
			Help:      "Total RandomX hashes computed, by compute unit id.",
		}, []string{"cuid"}),
		ProofsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccp",
			Name:      "proofs_total",
			Help:      "Total proofs emitted meeting difficulty, by compute unit id.",
		}, []string{"cuid"}),
		DatasetBuildSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ccp",
			Name:      "dataset_build_seconds",
			Help:      "Wall-clock duration of RandomX dataset construction.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ProofQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ccp",
			Name:      "proof_queue_depth",
			Help:      "Number of proofs buffered awaiting the next store flush.",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ccp",
			Name:      "active_workers",
			Help:      "Number of proving workers currently assigned.",
		}),
	}
	reg.MustRegister(r.HashesTotal, r.ProofsTotal, r.DatasetBuildSecs, r.ProofQueueDepth, r.ActiveWorkers)
	return r
}

// Gatherer exposes the underlying registry for an external collaborator
// (e.g. a Prometheus HTTP handler) to wrap; this module never serves it
// itself.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
