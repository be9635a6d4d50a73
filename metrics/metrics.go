// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics exposes the node's prometheus collectors.
//
// Grounded on the teacher's metrics/metrics.go registerer wrapper plus
// protocol/nova/metrics.go's per-counter/gauge struct shape, generalized
// from one set of consensus counters to the DAG/sync/broadcast counters
// this engine needs, each labeled by context_id so a node running many
// contexts reports them separately.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calimero-network/core/ids"
)

// Metrics is the full set of collectors one Node registers once at
// construction; node.Node updates them as events occur.
type Metrics struct {
	registry prometheus.Registerer

	DeltasApplied   *prometheus.CounterVec
	DeltasPending   *prometheus.CounterVec
	DeltasDuplicate *prometheus.CounterVec
	PendingEvicted  *prometheus.CounterVec
	PendingDepth    *prometheus.GaugeVec

	SyncStarted  *prometheus.CounterVec
	SyncFinished *prometheus.CounterVec
	SyncDuration *prometheus.HistogramVec

	HeartbeatsSent     *prometheus.CounterVec
	HeartbeatsObserved *prometheus.CounterVec
}

// New builds and registers every collector against reg. cmd/calimerod
// passes a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		registry: reg,
		DeltasApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calimero_deltas_applied_total",
			Help: "Deltas applied to the local entity tree.",
		}, []string{"context_id"}),
		DeltasPending: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calimero_deltas_pending_total",
			Help: "Deltas buffered awaiting their parents.",
		}, []string{"context_id"}),
		DeltasDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calimero_deltas_duplicate_total",
			Help: "Deltas rejected as already known.",
		}, []string{"context_id"}),
		PendingEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calimero_pending_evicted_total",
			Help: "Pending deltas evicted by the stale-delta cleanup loop.",
		}, []string{"context_id"}),
		PendingDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "calimero_pending_depth",
			Help: "Current count of deltas buffered awaiting parents.",
		}, []string{"context_id"}),
		SyncStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calimero_sync_sessions_started_total",
			Help: "Reconciliation sessions started, labeled by chosen strategy.",
		}, []string{"context_id", "strategy"}),
		SyncFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calimero_sync_sessions_finished_total",
			Help: "Reconciliation sessions finished, labeled by outcome.",
		}, []string{"context_id", "strategy", "outcome"}),
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "calimero_sync_session_duration_seconds",
			Help:    "Wall-clock duration of a reconciliation session.",
			Buckets: prometheus.DefBuckets,
		}, []string{"context_id", "strategy"}),
		HeartbeatsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calimero_heartbeats_sent_total",
			Help: "Hash heartbeats published.",
		}, []string{"context_id"}),
		HeartbeatsObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calimero_heartbeats_observed_total",
			Help: "Hash heartbeats received, labeled by divergence outcome.",
		}, []string{"context_id", "outcome"}),
	}

	collectors := []prometheus.Collector{
		m.DeltasApplied, m.DeltasPending, m.DeltasDuplicate,
		m.PendingEvicted, m.PendingDepth,
		m.SyncStarted, m.SyncFinished, m.SyncDuration,
		m.HeartbeatsSent, m.HeartbeatsObserved,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveCleanup records a cleanup_stale pass for one context.
func (m *Metrics) ObserveCleanup(contextID ids.ID, evicted int) {
	if evicted > 0 {
		m.PendingEvicted.WithLabelValues(contextID.String()).Add(float64(evicted))
	}
}
