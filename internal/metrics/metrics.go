// Package metrics provides Prometheus instrumentation for the pairing
// service. It exposes gauges for connection and match counts, counters for
// relayed event throughput, and histograms for wait time and match quality.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairline_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RelayedEvents counts events forwarded between matched peers, labeled by
	// type: "chat", "typing", "signal".
	RelayedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairline_relayed_events_total",
		Help: "Total number of events relayed between matched peers",
	}, []string{"type"})

	// BlockedMessages counts chat messages the moderation layer refused to
	// relay, labeled by reason.
	BlockedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairline_blocked_messages_total",
		Help: "Total number of chat messages blocked by moderation",
	}, []string{"reason"})

	// MatchWait records the time a user spent waiting before being paired.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairline_match_wait_seconds",
		Help:    "Time from join_queue to pairing",
		Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120, 300, 600},
	})

	// MatchScore records the compatibility score of completed pairings.
	MatchScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairline_match_score",
		Help:    "Compatibility score of completed pairings",
		Buckets: []float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
	})

	// ActiveMatches tracks the current number of active matches.
	ActiveMatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairline_active_matches",
		Help: "Current number of active matches",
	})

	// QueueSize tracks the current number of users in the waiting pool.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairline_queue_size",
		Help: "Current number of users in the waiting pool",
	})

	// ShardSize tracks the waiting pool size per shard.
	ShardSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pairline_queue_shard_size",
		Help: "Current number of waiting users per shard",
	}, []string{"shard"})

	// ReapedEntries counts queue entries evicted by the sweep, labeled by
	// reason: "max_wait", "dead_connection".
	ReapedEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairline_reaped_entries_total",
		Help: "Total number of waiting entries evicted by the sweep",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RelayedEvents,
		BlockedMessages,
		MatchWait,
		MatchScore,
		ActiveMatches,
		QueueSize,
		ShardSize,
		ReapedEntries,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
