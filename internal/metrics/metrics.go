// Package metrics exposes Prometheus collectors for the realtime engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeLimited  = "limited"
	OutcomeFailed   = "failed"

	OutcomeRecorded  = "recorded"
	OutcomeDuplicate = "duplicate"

	OutcomeDelivered = "delivered"
	OutcomeMissed    = "missed"
	OutcomeStored    = "stored"
)

var (
	// ConnectionsActive tracks authenticated persistent connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agora_connections_active",
		Help: "Current number of authenticated realtime connections",
	})

	RoomJoinsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agora_room_joins_total",
		Help: "Total number of room join requests",
	})

	// MessagesTotal counts chat submissions by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_chat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_chat_reports_total",
		Help: "Total number of message reports processed",
	}, []string{"outcome"})

	MessagesHiddenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agora_chat_messages_hidden_total",
		Help: "Total number of messages hidden by the report threshold",
	})

	// NotificationsTotal counts notification rows by delivery outcome.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_notifications_total",
		Help: "Total number of notifications stored and delivered",
	}, []string{"outcome"})

	TopicsClosedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agora_topics_closed_total",
		Help: "Total number of topics closed by the scheduler",
	})

	SchedulerTickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agora_scheduler_tick_errors_total",
		Help: "Total number of failed scheduler ticks",
	})

	// FramesDroppedTotal counts outbound frames dropped because a connection buffer was full.
	FramesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agora_frames_dropped_total",
		Help: "Total number of outbound frames dropped for slow connections",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		RoomJoinsTotal,
		MessagesTotal,
		ReportsTotal,
		MessagesHiddenTotal,
		NotificationsTotal,
		TopicsClosedTotal,
		SchedulerTickErrorsTotal,
		FramesDroppedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
