// Package metrics registers the engine's Prometheus collectors. Exposed
// through /metrics in cmd/api.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScanOutcomes counts scan submissions by typed outcome
	// (present, late, expired, signature_mismatch, already_scanned, ...).
	ScanOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fsas_scan_outcomes_total",
		Help: "Scan submissions by outcome.",
	}, []string{"outcome"})

	// ActiveSessions tracks sessions currently in the active state.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fsas_active_sessions",
		Help: "Sessions currently accepting scans.",
	})

	// TokenRotations counts QR secret rotations across all sessions.
	TokenRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fsas_token_rotations_total",
		Help: "QR secret rotations performed.",
	})

	// BroadcastMessages counts events fanned out to dashboard subscribers.
	BroadcastMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fsas_broadcast_messages_total",
		Help: "Events delivered to dashboard subscribers.",
	})

	// BroadcastDropped counts events dropped because a subscriber buffer
	// was full. Best-effort delivery makes this a gauge of slow clients,
	// not an error.
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fsas_broadcast_dropped_total",
		Help: "Events dropped on full subscriber buffers.",
	})

	// AuditFlags counts (session, student) pairs flagged for repeated
	// signature mismatches.
	AuditFlags = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fsas_scan_audit_flags_total",
		Help: "Student/session pairs flagged for repeated signature mismatches.",
	})
)
