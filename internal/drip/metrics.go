package drip

import (
	"strconv"
	"time"

	"github.com/bissquit/lead-drip/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "leaddrip"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "drip",
			Name:      "queue_size",
			Help:      "Number of scheduled sends by state",
		},
		[]string{"state"},
	)

	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "drip",
			Name:      "sends_total",
			Help:      "Scheduled sends handled by the queue processor, by outcome",
		},
		[]string{"step", "outcome"},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "drip",
			Name:      "send_duration_seconds",
			Help:      "Time to deliver one email",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	queueRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "drip",
			Name:      "queue_runs_total",
			Help:      "Queue processor runs by result",
		},
		[]string{"result"},
	)

	queueRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "drip",
			Name:      "queue_run_duration_seconds",
			Help:      "Duration of a full queue processor run",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	scheduledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "drip",
			Name:      "scheduled_total",
			Help:      "Sequence steps handled at schedule time, by outcome",
		},
		[]string{"outcome"},
	)

	suppressionLookupErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "drip",
			Name:      "suppression_lookup_errors_total",
			Help:      "Suppression oracle lookups that failed open",
		},
		[]string{"oracle"},
	)
)

func recordSend(step int, outcome string) {
	sendsTotal.WithLabelValues(strconv.Itoa(step), outcome).Inc()
}

func recordSendDuration(d time.Duration) {
	sendDuration.Observe(d.Seconds())
}

func recordQueueRun(result string, d time.Duration) {
	queueRuns.WithLabelValues(result).Inc()
	queueRunDuration.Observe(d.Seconds())
}

func recordScheduled(outcome string) {
	scheduledTotal.WithLabelValues(outcome).Inc()
}

func recordSuppressionLookupError(oracle string) {
	suppressionLookupErrors.WithLabelValues(oracle).Inc()
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *domain.QueueStats) {
	queueSize.WithLabelValues("pending").Set(float64(stats.Pending))
	queueSize.WithLabelValues("due").Set(float64(stats.Due))
	queueSize.WithLabelValues("sent").Set(float64(stats.Sent))
}
