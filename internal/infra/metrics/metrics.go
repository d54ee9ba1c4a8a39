// Package metrics provides Prometheus metrics for roastd — counters, gauges,
// and histograms for inferred events, command proposals, missions, and the
// circuit breaker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Inference ──────────────────────────────────────────────────────────────

// RoastEvents tracks inferred roast events by type.
var RoastEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "roastd",
	Name:      "roast_events_total",
	Help:      "Total inferred roast events by type.",
}, []string{"type"})

// TelemetryDropped tracks telemetry envelopes dropped as invalid.
var TelemetryDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "roastd",
	Name:      "telemetry_dropped_total",
	Help:      "Telemetry envelopes dropped for failing validation.",
})

// LiveSessions tracks the number of live roast sessions.
var LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "roastd",
	Name:      "live_sessions",
	Help:      "Number of live roast sessions.",
})

// ─── Commands ───────────────────────────────────────────────────────────────

// Proposals tracks command proposals by terminal-or-current status.
var Proposals = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "roastd",
	Name:      "command_proposals_total",
	Help:      "Command proposals by resulting status.",
}, []string{"status"})

// GateRejections tracks gate-pipeline rejections by reason code.
var GateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "roastd",
	Name:      "gate_rejections_total",
	Help:      "Proposals rejected by the gate pipeline, by reason code.",
}, []string{"code"})

// ApprovalLatency tracks time from proposal to approval decision.
var ApprovalLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "roastd",
	Name:      "approval_latency_seconds",
	Help:      "Time from proposal creation to approval or rejection.",
	Buckets:   []float64{1, 5, 15, 60, 120, 300, 600},
})

// ─── Missions ───────────────────────────────────────────────────────────────

// MissionsClaimed tracks successful mission claims.
var MissionsClaimed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "roastd",
	Name:      "missions_claimed_total",
	Help:      "Total mission claims granted.",
})

// MissionsCompleted tracks terminal mission outcomes.
var MissionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "roastd",
	Name:      "missions_completed_total",
	Help:      "Missions reaching a terminal status.",
}, []string{"status"})

// LeasesReaped tracks leases reclaimed by the reaper.
var LeasesReaped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "roastd",
	Name:      "mission_leases_reaped_total",
	Help:      "Expired mission leases reclaimed by the reaper.",
})

// ─── Governance ─────────────────────────────────────────────────────────────

// BreakerTriggers tracks circuit-breaker rule firings by rule name.
var BreakerTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "roastd",
	Name:      "breaker_triggers_total",
	Help:      "Circuit-breaker rule firings.",
}, []string{"rule", "action"})

// AutonomyPhase tracks the current autonomy phase as a numeric level
// (3=L3, 3.5=L3+, 4=L4, 4.5=L4+, 5=L5).
var AutonomyPhase = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "roastd",
	Name:      "autonomy_phase_level",
	Help:      "Current autonomy phase as a numeric level.",
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "roastd",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})
