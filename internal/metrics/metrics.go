// Package metrics holds the Prometheus collectors Sluice's core emits,
// in the package-level-vars idiom of the teacher's metrics.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PublishesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sluice_publishes_total",
		Help: "Total number of publish commands committed to the durable store.",
	})

	PublishesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sluice_publishes_failed_total",
		Help: "Total number of publish commands that failed, by error kind.",
	}, []string{"kind"})

	AcksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sluice_acks_total",
		Help: "Total number of ack commands committed.",
	})

	CommitBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sluice_commit_batches_total",
		Help: "Total number of group-commit batches flushed to the durable store.",
	})

	CommitBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sluice_commit_batch_size",
		Help:    "Number of commands per committed batch.",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
	})

	CommitLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sluice_commit_latency_seconds",
		Help:    "Latency of a single commit_batch transaction, including fsync.",
		Buckets: prometheus.DefBuckets,
	})

	CommitFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sluice_commit_failures_total",
		Help: "Total number of batches that failed to commit to the durable store.",
	})

	DeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sluice_deliveries_total",
		Help: "Total number of messages delivered to subscription sessions.",
	})

	NotificationsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sluice_notifications_dropped_total",
		Help: "Total number of notify-bus wakes dropped because a session's channel was full (lagged).",
	})

	SessionsDisplacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sluice_sessions_displaced_total",
		Help: "Total number of subscription sessions displaced by a group takeover.",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sluice_active_subscriptions",
		Help: "Current number of active subscription sessions.",
	})

	WriteQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sluice_write_queue_depth",
		Help: "Current number of commands buffered in the writer's command queue.",
	})

	TopicTailSequence = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sluice_topic_tail_sequence",
		Help: "Latest committed sequence number per topic.",
	}, []string{"topic"})

	ConnectionsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sluice_connections_rejected_total",
		Help: "Total number of subscribe streams rejected by the resource guard.",
	})
)

// Handler returns an HTTP handler exposing the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
