// SPDX-License-Identifier: MIT

// Package metrics holds the prometheus instrumentation shared by the
// store client and the live-instance directory.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreOpsTotal counts every coordstore round trip by backend,
	// statement name, and outcome (applied/not_applied/error).
	StoreOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reaper_coord_store_ops_total",
			Help: "Total coordination-store round trips by backend, statement, and outcome.",
		},
		[]string{"backend", "statement", "outcome"},
	)

	// StoreOpDuration observes round-trip latency by statement.
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reaper_coord_store_op_seconds",
			Help:    "Coordination-store round-trip latency by statement.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "statement"},
	)

	// LeaseAttemptsTotal is labelled for segment-lead registry
	// operations by verb and outcome. It is registered but nothing in
	// this module increments it, so it always reports zero.
	LeaseAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reaper_coord_lease_attempts_total",
			Help: "Total segment-lead lease operations by verb and outcome.",
		},
		[]string{"verb", "outcome"}, // verb: take, renew, probe, release
	)

	// NodeLockAttemptsTotal is labelled for node-lock registry batch
	// operations by verb and outcome. It is registered but nothing in
	// this module increments it, so it always reports zero.
	NodeLockAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reaper_coord_node_lock_attempts_total",
			Help: "Total node-lock batch operations by verb and outcome.",
		},
		[]string{"verb", "outcome"}, // verb: lock, renew, release
	)

	// RunningReapersGauge tracks the last observed count_running_reapers().
	RunningReapersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reaper_coord_running_reapers",
			Help: "Last observed count of live coordinator instances (clamped to >= 1).",
		},
	)
)

// ObserveStoreOp records a single coordstore round trip.
func ObserveStoreOp(backend, statement string, start time.Time, applied bool, err error) {
	outcome := "applied"
	switch {
	case err != nil:
		outcome = "error"
	case !applied:
		outcome = "not_applied"
	}
	StoreOpsTotal.WithLabelValues(backend, statement, outcome).Inc()
	StoreOpDuration.WithLabelValues(backend, statement).Observe(time.Since(start).Seconds())
}
