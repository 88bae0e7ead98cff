// Package metrics exposes fleetsync's Prometheus instrumentation: bundle
// rebuild timings, queue depth, and push/reconcile counters, plus the
// generic Timer helper used to time any operation against a Histogram.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BundleGroupsTotal is the number of groups present in the Index
	// after the most recent successful rebuild.
	BundleGroupsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetsync",
		Subsystem: "bundle",
		Name:      "groups_total",
		Help:      "Number of groups currently present in the authoritative index.",
	})

	// RebuildDuration observes how long a full bundle rebuild took.
	RebuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fleetsync",
		Subsystem: "bundle",
		Name:      "rebuild_duration_seconds",
		Help:      "Duration of a full shared-config directory rebuild.",
		Buckets:   prometheus.DefBuckets,
	})

	// RebuildsTotal counts rebuild attempts by outcome.
	RebuildsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetsync",
		Subsystem: "bundle",
		Name:      "rebuilds_total",
		Help:      "Total bundle rebuild attempts, labeled by outcome.",
	}, []string{"outcome"})

	// HeartbeatsTotal counts ingested heartbeat payloads by class.
	HeartbeatsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetsync",
		Subsystem: "intake",
		Name:      "heartbeats_total",
		Help:      "Total heartbeat payloads ingested, labeled by message class.",
	}, []string{"class"})

	// MalformedTotal counts payloads dropped for failing to parse.
	MalformedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetsync",
		Subsystem: "intake",
		Name:      "malformed_messages_total",
		Help:      "Total heartbeat payloads dropped for malformed framing.",
	})

	// PendingQueueDepth is the current occupancy of the pending queue.
	PendingQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetsync",
		Subsystem: "pending",
		Name:      "queue_depth",
		Help:      "Current number of agent identifiers waiting in the pending queue.",
	})

	// QueueFullTotal counts heartbeats that found the pending queue full.
	QueueFullTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetsync",
		Subsystem: "pending",
		Name:      "queue_full_total",
		Help:      "Total heartbeats that arrived while the pending queue was full.",
	})

	// ReconcileDuration observes how long one agent's reconciliation took.
	ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fleetsync",
		Subsystem: "reconcile",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of a single agent's reconciliation cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	// FilesPushedTotal counts individual files streamed to agents.
	FilesPushedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetsync",
		Subsystem: "reconcile",
		Name:      "files_pushed_total",
		Help:      "Total files streamed out to agents because of a checksum mismatch or because the agent did not report them.",
	})

	// PushFailuresTotal counts transport failures while streaming a file.
	PushFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetsync",
		Subsystem: "transport",
		Name:      "push_failures_total",
		Help:      "Total file pushes that failed at the transport layer.",
	})
)

func init() {
	prometheus.MustRegister(
		BundleGroupsTotal,
		RebuildDuration,
		RebuildsTotal,
		HeartbeatsTotal,
		MalformedTotal,
		PendingQueueDepth,
		QueueFullTotal,
		ReconcileDuration,
		FilesPushedTotal,
		PushFailuresTotal,
	)
}

// Timer measures elapsed wall-clock time against a Histogram or
// HistogramVec, mirroring the one-shot stopwatch used throughout
// fleetsync's instrumented components.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer into h.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time since NewTimer into one
// series of hv.
func (t *Timer) ObserveDurationVec(hv *prometheus.HistogramVec, labelValues ...string) {
	hv.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since NewTimer without recording it.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns the HTTP handler that serves the process's registered
// metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
