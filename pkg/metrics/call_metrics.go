package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call metrics for monitoring the call lifecycle and signaling health
var (
	// Lifecycle metrics
	CallsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_started_total",
		Help: "Total number of call attempts started",
	}, []string{"type"}) // "voice", "video"

	CallsAnsweredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_answered_total",
		Help: "Total number of calls answered",
	}, []string{"type"})

	CallsTerminatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_terminated_total",
		Help: "Total number of calls reaching a terminal status",
	}, []string{"status"}) // "ended", "rejected", "missed", "failed"

	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_active",
		Help: "Current number of non-terminal call sessions",
	})

	CallDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_duration_seconds",
		Help:    "Duration of calls from creation to terminal transition",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// Signaling metrics
	IceCandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_ice_candidates_total",
		Help: "Total number of ICE candidates handled",
	}, []string{"direction"}) // "sent", "applied", "echo_dropped", "queued"

	SignalingErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_signaling_errors_total",
		Help: "Total number of signaling channel errors",
	}, []string{"op"})

	// Incoming-call relay metrics
	IncomingCallsNotifiedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_incoming_notified_total",
		Help: "Total number of incoming-call notifications raised",
	})

	PushRelayTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_push_relay_total",
		Help: "Total number of incoming-call push notifications relayed",
	}, []string{"status"}) // "sent", "failed", "no_tokens"

	CallLogWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_log_writes_total",
		Help: "Total number of terminal calls recorded to the call log",
	}, []string{"status"})
)
