// Package metrics provides Prometheus metrics for meshnode: envelope traffic,
// routing-table occupancy, liveness challenges, lookups, commands, file
// transfers and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Envelopes ──────────────────────────────────────────────────────────────

// EnvelopesReceived tracks inbound envelopes by message type.
var EnvelopesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meshnode",
	Name:      "envelopes_received_total",
	Help:      "Total inbound envelopes by type.",
}, []string{"type"})

// EnvelopesSent tracks outbound envelopes by message type.
var EnvelopesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meshnode",
	Name:      "envelopes_sent_total",
	Help:      "Total outbound envelopes by type.",
}, []string{"type"})

// EnvelopesDropped tracks envelopes discarded before or after handling.
var EnvelopesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meshnode",
	Name:      "envelopes_dropped_total",
	Help:      "Envelopes dropped by reason.",
}, []string{"reason"})

// ─── Routing ────────────────────────────────────────────────────────────────

// RoutingTablePeers tracks the number of contacts in the routing table.
var RoutingTablePeers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "meshnode",
	Name:      "routing_table_peers",
	Help:      "Contacts currently held in the routing table.",
})

// Challenges tracks liveness challenges by outcome (alive, evicted, left).
var Challenges = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meshnode",
	Name:      "challenges_total",
	Help:      "Liveness challenges by outcome.",
}, []string{"outcome"})

// ChallengesPending tracks outstanding liveness challenges.
var ChallengesPending = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "meshnode",
	Name:      "challenges_pending",
	Help:      "Outstanding liveness challenges.",
})

// ─── Lookups ────────────────────────────────────────────────────────────────

// LookupDuration tracks iterative lookup duration in seconds.
var LookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "meshnode",
	Name:      "lookup_duration_seconds",
	Help:      "Iterative lookup duration in seconds.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
})

// LookupRounds tracks rounds per iterative lookup.
var LookupRounds = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "meshnode",
	Name:      "lookup_rounds",
	Help:      "Rounds per iterative lookup.",
	Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
})

// ─── Collaborators ──────────────────────────────────────────────────────────

// Commands tracks executed commands by status (OK, FAIL).
var Commands = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meshnode",
	Name:      "commands_total",
	Help:      "Commands executed for peers by status.",
}, []string{"status"})

// FileChunks tracks file chunks by direction (sent, received).
var FileChunks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meshnode",
	Name:      "file_chunks_total",
	Help:      "File chunks by direction.",
}, []string{"direction"})

// Forwarded tracks envelopes relayed for propagation.
var Forwarded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "meshnode",
	Name:      "forwarded_total",
	Help:      "Envelopes relayed to other peers for propagation.",
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "meshnode",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

// HealthRecoveries tracks auto-recovery attempts.
var HealthRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meshnode",
	Name:      "health_recoveries_total",
	Help:      "Total auto-recovery attempts per check.",
}, []string{"check"})
