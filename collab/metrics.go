package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloudmind",
		Subsystem: "collab",
		Name:      "sessions_active",
		Help:      "Live collaboration sessions.",
	})
	metricParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloudmind",
		Subsystem: "collab",
		Name:      "participants_active",
		Help:      "Participants attached to any session.",
	})
	metricMutationsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cloudmind",
		Subsystem: "collab",
		Name:      "mutations_applied_total",
		Help:      "Mutations applied to session content.",
	})
	metricMutationsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cloudmind",
		Subsystem: "collab",
		Name:      "mutations_rejected_total",
		Help:      "Mutations rejected for stale preconditions.",
	})
	metricDeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cloudmind",
		Subsystem: "collab",
		Name:      "delivery_failures_total",
		Help:      "Broadcast sends that failed and removed the participant.",
	})
	metricSessionsEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudmind",
		Subsystem: "collab",
		Name:      "sessions_evicted_total",
		Help:      "Sessions evicted from the directory, by reason.",
	}, []string{"reason"})
)
