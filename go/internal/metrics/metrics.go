package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks sessions currently in the attending state.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_active_sessions",
		Help: "Number of sessions currently attending.",
	})

	// TicksEmitted counts authoritative timer ticks broadcast.
	TicksEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_ticks_emitted_total",
		Help: "Total timer ticks broadcast.",
	})

	// GateDenials counts gate denials by reason.
	GateDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_gate_denials_total",
		Help: "Security gate denials by reason.",
	}, []string{"reason"})

	// RingOutcomes counts random ring target resolutions by outcome.
	RingOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_ring_outcomes_total",
		Help: "Random ring target outcomes.",
	}, []string{"outcome"})

	// ReconciliationResults counts offline reconciliation results.
	ReconciliationResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_reconciliations_total",
		Help: "Offline reconciliation results.",
	}, []string{"result"})

	// HeartbeatCheckpoints counts heartbeat checkpoints persisted.
	HeartbeatCheckpoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_heartbeat_checkpoints_total",
		Help: "Heartbeat checkpoints persisted.",
	})
)
