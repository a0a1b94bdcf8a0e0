// Package metrics provides Prometheus instrumentation for the matchmaking
// services: queue and session gauges, join and match outcome counters, and
// gateway connection tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueSize tracks the number of users waiting for a match.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchmaking_queue_size",
		Help: "Current number of users in the waiting queue",
	})

	// ActiveSessions tracks the number of active chat sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchmaking_active_sessions",
		Help: "Current number of active chat sessions",
	})

	// JoinsTotal counts join requests by result: "queued", "rate_limited",
	// "error".
	JoinsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_joins_total",
		Help: "Total number of queue join requests",
	}, []string{"result"})

	// MatchAttemptsTotal counts matcher runs by outcome: "matched",
	// "no_match", "error".
	MatchAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_match_attempts_total",
		Help: "Total number of matching attempts",
	}, []string{"outcome"})

	// MatchConflictsTotal counts pairings lost to a concurrent matcher.
	MatchConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchmaking_match_conflicts_total",
		Help: "Total number of session creations that lost a race",
	})

	// MatchDuration records how long one matching attempt takes.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchmaking_match_duration_seconds",
		Help:    "Duration of one matching attempt",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// WaitDuration records the time from joining the queue to being matched.
	WaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchmaking_wait_duration_seconds",
		Help:    "Time from queue join to match found",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
	})

	// ReapedTotal counts rows removed by the reaper, labeled by kind:
	// "waiting" or "sessions".
	ReapedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_reaped_total",
		Help: "Total number of stale rows removed by the reaper",
	}, []string{"kind"})

	// PublishErrorsTotal counts failed fan-out publishes.
	PublishErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchmaking_publish_errors_total",
		Help: "Total number of failed notification publishes",
	})

	// GatewayConnections tracks open realtime gateway connections.
	GatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchmaking_gateway_connections",
		Help: "Current number of realtime gateway connections",
	})

	// GatewayEventsTotal counts events written to gateway clients, labeled by
	// event name.
	GatewayEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_gateway_events_total",
		Help: "Total number of events delivered to gateway clients",
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(
		QueueSize,
		ActiveSessions,
		JoinsTotal,
		MatchAttemptsTotal,
		MatchConflictsTotal,
		MatchDuration,
		WaitDuration,
		ReapedTotal,
		PublishErrorsTotal,
		GatewayConnections,
		GatewayEventsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
