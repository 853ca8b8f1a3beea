package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoundTotal is the total number of federated rounds by final phase.
	RoundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantumfed_round_total",
			Help: "Total number of federated rounds",
		},
		[]string{"experiment", "phase"},
	)

	RoundDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quantumfed_round_duration_seconds",
			Help:    "Federated round duration in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10s to ~11h
		},
		[]string{"experiment"},
	)

	UpdatesCollected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantumfed_updates_collected_total",
			Help: "Total number of participant updates collected",
		},
		[]string{"experiment"},
	)

	UpdatesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantumfed_updates_rejected_total",
			Help: "Total number of participant updates rejected",
		},
		[]string{"experiment", "reason"},
	)

	ParticipantsAlive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quantumfed_participants_alive",
			Help: "Number of participants currently considered alive",
		},
		[]string{"experiment"},
	)

	SnapshotVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quantumfed_snapshot_version",
			Help: "Latest published global snapshot version",
		},
		[]string{"experiment"},
	)
)
