package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	drsProvider = "drs_provider"

	submissionsTotal      = "submissions_total"
	ingestionsTotal       = "ingestions_total"
	ingestionDuration     = "ingestion_duration_seconds"
	ingestedBytesTotal    = "ingested_bytes_total"
	deletionsTotal        = "deletions_total"
	staleTasksTotal       = "stale_tasks_total"
	statusPollRegressions = "status_poll_rejected_total"

	// Labels
	resultLabel     = "result"
	statusLabel     = "status"
	resolutionLabel = "resolution"
)

var submissionsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: drsProvider,
		Name:      submissionsTotal,
		Help:      "number of submissions partitioned by result",
	},
	[]string{resultLabel},
)

var ingestionsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: drsProvider,
		Name:      ingestionsTotal,
		Help:      "number of finished ingestions partitioned by terminal status",
	},
	[]string{statusLabel},
)

var ingestionDurationMetric = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Subsystem: drsProvider,
		Name:      ingestionDuration,
		Help:      "time spent staging a payload",
		Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
	},
)

var ingestedBytesTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: drsProvider,
		Name:      ingestedBytesTotal,
		Help:      "number of payload bytes staged on disk",
	},
)

var deletionsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: drsProvider,
		Name:      deletionsTotal,
		Help:      "number of deletions partitioned by aggregate status",
	},
	[]string{statusLabel},
)

var staleTasksTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: drsProvider,
		Name:      staleTasksTotal,
		Help:      "number of stale tasks resolved by the reaper",
	},
	[]string{resolutionLabel},
)

var statusPollRejectedMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: drsProvider,
		Name:      statusPollRegressions,
		Help:      "number of status polls whose computed view was refused by the record store",
	},
)

func IncreaseSubmissionsTotalMetric(result string) {
	submissionsTotalMetric.With(prometheus.Labels{resultLabel: result}).Inc()
}

func ObserveIngestion(status string, elapsed time.Duration, bytes int64) {
	ingestionsTotalMetric.With(prometheus.Labels{statusLabel: status}).Inc()
	ingestionDurationMetric.Observe(elapsed.Seconds())
	if bytes > 0 {
		ingestedBytesTotalMetric.Add(float64(bytes))
	}
}

func IncreaseDeletionsTotalMetric(status string) {
	deletionsTotalMetric.With(prometheus.Labels{statusLabel: status}).Inc()
}

func IncreaseStaleTasksTotalMetric(resolution string) {
	staleTasksTotalMetric.With(prometheus.Labels{resolutionLabel: resolution}).Inc()
}

func IncreaseStatusPollRejectedMetric() {
	statusPollRejectedMetric.Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(submissionsTotalMetric)
	prometheus.MustRegister(ingestionsTotalMetric)
	prometheus.MustRegister(ingestionDurationMetric)
	prometheus.MustRegister(ingestedBytesTotalMetric)
	prometheus.MustRegister(deletionsTotalMetric)
	prometheus.MustRegister(staleTasksTotalMetric)
	prometheus.MustRegister(statusPollRejectedMetric)
}
