// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegisgate_requests_total",
			Help: "Mediated requests by final decision",
		},
		[]string{"decision"},
	)

	denialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegisgate_denials_total",
			Help: "Denied requests by reason code",
		},
		[]string{"reason"},
	)

	stageLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aegisgate_stage_latency_seconds",
			Help:    "Per-stage evaluation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	auditQueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegisgate_audit_queued_total",
			Help: "Audit events accepted onto the async queue",
		},
	)

	auditDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegisgate_audit_dropped_total",
			Help: "Audit events lost after all write paths failed",
		},
	)

	limiterFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegisgate_ratelimit_fallback_total",
			Help: "Rate limit checks served by the local fallback after a Redis error",
		},
	)
)

func init() {
	prometheus.MustRegister(
		requestsTotal,
		denialsTotal,
		stageLatencySeconds,
		auditQueuedTotal,
		auditDroppedTotal,
		limiterFallbackTotal,
	)
}
