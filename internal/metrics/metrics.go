package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsObserved counts events delivered by the monitor
	EventsObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_observed_total",
			Help: "Total number of source-chain events observed",
		},
		[]string{"kind"},
	)

	// EventsDeduped counts events filtered as already settled
	EventsDeduped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_deduped_total",
			Help: "Total number of events filtered as already settled",
		},
		[]string{"stage"},
	)

	// SettlementsTotal counts settlements by kind and outcome
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_settlements_total",
			Help: "Total number of settlement attempts by outcome",
		},
		[]string{"kind", "outcome"},
	)

	// SettlementDuration tracks end-to-end settlement time
	SettlementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_settlement_duration_seconds",
			Help:    "Settlement processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// SubmissionsTotal counts outbound transaction submissions
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_submissions_total",
			Help: "Total number of outbound transaction submissions",
		},
		[]string{"status"},
	)

	// ReconnectsTotal counts monitor resubscriptions
	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_monitor_reconnects_total",
			Help: "Total number of monitor resubscriptions",
		},
		[]string{"reason"},
	)

	// MonitorHealthy is 1 while the monitor subscription is inside its
	// reconnect budget
	MonitorHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_monitor_healthy",
			Help: "Whether the chain event monitor is healthy (1) or alerting (0)",
		},
	)

	// PendingSettlements tracks records awaiting settlement
	PendingSettlements = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_pending_settlements",
			Help: "Number of settlement records in a non-terminal state",
		},
	)

	// ReserveAvailable tracks the uncommitted pool balance per asset
	ReserveAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_reserve_available",
			Help: "Reserve pool available balance in base units",
		},
		[]string{"asset"},
	)

	// ReserveReserved tracks in-flight holds per asset
	ReserveReserved = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_reserve_reserved",
			Help: "Reserve pool held balance in base units",
		},
		[]string{"asset"},
	)

	// ReserveDrift tracks divergence between the pool and the custodial
	// chain balance
	ReserveDrift = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_reserve_drift",
			Help: "Custodial balance minus pool total, in base units",
		},
		[]string{"asset"},
	)

	// ErrorsTotal counts errors by component and class
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "class"},
	)
)
