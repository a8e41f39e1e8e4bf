package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reserve_monitor"

// ── HTTP request metrics (RED method) ──────────────────────────────────

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"method", "path", "status_code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Number of HTTP requests currently being processed.",
	})
)

// ── Snapshot runs ──────────────────────────────────────────────────────

var (
	SnapshotRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "runs_total",
		Help:      "Snapshot runs by outcome (success, failed, skipped).",
	}, []string{"status"})

	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "duration_seconds",
		Help:      "Wall time of a snapshot run in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	SnapshotLastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "last_success_timestamp",
		Help:      "Unix timestamp of the last committed snapshot.",
	})

	SnapshotPools = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "pools",
		Help:      "Number of pools written by the last snapshot.",
	})

	ValidationMismatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "validation_mismatch_total",
		Help:      "Post-commit checks whose stored value disagreed with the computed one.",
	}, []string{"check"})

	LookupDegradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "lookup_degraded_total",
		Help:      "Auxiliary lookups that fell back to a substitute value.",
	}, []string{"lookup"})

	LockContendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "lock_contended_total",
		Help:      "Runs skipped because another run held the snapshot lock.",
	})

	LockReleaseFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "lock_release_failed_total",
		Help:      "Snapshot lock releases that returned an error.",
	})
)

// ── Upstream providers ─────────────────────────────────────────────────

var (
	UpstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Provider HTTP requests by service and status code.",
	}, []string{"service", "status"})

	UpstreamRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "retries_total",
		Help:      "Provider requests retried after rate limiting.",
	}, []string{"service"})
)

// ── Business metrics ───────────────────────────────────────────────────

var (
	MetricValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "business",
		Name:      "metric_value",
		Help:      "Latest value of a portfolio metric.",
	}, []string{"metric"})

	NotificationsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "failed_total",
		Help:      "Operator notifications that could not be delivered.",
	})
)
