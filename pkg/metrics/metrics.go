package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ledger metrics
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ironclaw_ledger_events_ingested_total",
			Help: "Total events appended to the ledger by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	SnapshotRebuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ironclaw_ledger_snapshot_rebuild_duration_seconds",
			Help:    "Duration of snapshot fold passes",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Vault metrics
	WorktreesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ironclaw_vault_worktrees_created_total",
			Help: "Total git worktrees provisioned",
		},
	)

	ArchivesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ironclaw_vault_archives_written_total",
			Help: "Total worktree archives written",
		},
	)

	// Worker metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ironclaw_worker_executions_total",
			Help: "Total worker executions by status",
		},
		[]string{"status"},
	)

	ModelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ironclaw_worker_model_calls_total",
			Help: "Total model invocations by outcome",
		},
		[]string{"outcome"},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ironclaw_worker_cache_hits_total",
			Help: "Total fingerprint cache hits",
		},
	)

	// Conductor metrics
	ChatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ironclaw_co_chats_total",
			Help: "Total chat requests by status",
		},
		[]string{"status"},
	)

	ShortCircuitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ironclaw_co_short_circuits_total",
			Help: "Total chats answered from the ledger without new work",
		},
	)

	OrchestrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ironclaw_co_orchestration_duration_seconds",
			Help:    "End-to-end duration of non-short-circuited chats",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900},
		},
	)

	// Observer metrics
	AlertsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ironclaw_observer_alerts_emitted_total",
			Help: "Total observer alerts emitted by type",
		},
		[]string{"alert_type"},
	)

	ObserverPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ironclaw_observer_poll_duration_seconds",
			Help:    "Duration of observer poll cycles",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		EventsIngestedTotal,
		SnapshotRebuildDuration,
		WorktreesCreatedTotal,
		ArchivesWrittenTotal,
		ExecutionsTotal,
		ModelCallsTotal,
		CacheHitsTotal,
		ChatsTotal,
		ShortCircuitsTotal,
		OrchestrationDuration,
		AlertsEmittedTotal,
		ObserverPollDuration,
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into the histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
