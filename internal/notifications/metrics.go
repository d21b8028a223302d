package notifications

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "concierge"

var (
	notificationQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "queue_size",
			Help:      "Number of notifications in queue by status",
		},
		[]string{"status"},
	)

	notificationDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "deliveries_total",
			Help:      "Channel delivery attempts by outcome (sent, duplicate, skipped, failed)",
		},
		[]string{"channel", "outcome"},
	)

	notificationSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "send_duration_seconds",
			Help:      "Time to send notification through a channel provider",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)

	notificationEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "entries_total",
			Help:      "Queue entries attempted by result (succeeded, failed, dead, unrecorded)",
		},
		[]string{"result"},
	)

	notificationDrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "drain_duration_seconds",
			Help:      "Duration of a drain invocation",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	notificationDrainErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "drain_errors_total",
			Help:      "Drain invocations aborted by a queue store error",
		},
	)
)

func recordDelivery(channel ChannelName, outcome DeliveryOutcome) {
	notificationDeliveries.WithLabelValues(string(channel), string(outcome)).Inc()
}

func recordDeliveryDuration(channel ChannelName, duration time.Duration) {
	notificationSendDuration.WithLabelValues(string(channel)).Observe(duration.Seconds())
}

func recordDrain(result DrainResult, duration time.Duration) {
	notificationEntries.WithLabelValues("succeeded").Add(float64(result.Succeeded))
	notificationEntries.WithLabelValues("failed").Add(float64(result.Failed - result.Dead))
	notificationEntries.WithLabelValues("dead").Add(float64(result.Dead))
	notificationEntries.WithLabelValues("unrecorded").Add(float64(result.Unrecorded))
	notificationDrainDuration.Observe(duration.Seconds())
}

func recordDrainError() {
	notificationDrainErrors.Inc()
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *QueueStats) {
	notificationQueueSize.WithLabelValues(string(QueueStatusPending)).Set(float64(stats.Pending))
	notificationQueueSize.WithLabelValues(string(QueueStatusProcessing)).Set(float64(stats.Processing))
	notificationQueueSize.WithLabelValues(string(QueueStatusProcessed)).Set(float64(stats.Processed))
	notificationQueueSize.WithLabelValues(string(QueueStatusFailed)).Set(float64(stats.Failed))
	notificationQueueSize.WithLabelValues(string(QueueStatusDead)).Set(float64(stats.Dead))
}
