package observability

import "github.com/prometheus/client_golang/prometheus"

// Domain collectors for sync, cache and notifications. Label sets are small
// and fixed; group and member ids never become labels.
var (
	// SyncRuns counts group sync runs by outcome (ok|partial|noop|offline|failed).
	SyncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupsync_sync_runs_total",
			Help: "Group sync runs by outcome.",
		},
		[]string{"outcome"},
	)

	// SyncDirtyMembers observes how many members needed fetching per run.
	SyncDirtyMembers = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "groupsync_sync_dirty_members",
			Help:    "Dirty members per sync run.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 10},
		},
	)

	// MemberQueryDuration records per-member source query latency by result (ok|error|timeout).
	MemberQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groupsync_member_query_duration_seconds",
			Help:    "Duration of per-member transaction queries.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	// CacheEntries gauges the total persisted cache rows after the last write.
	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "groupsync_cache_entries",
			Help: "Rows in the persistent transaction cache.",
		},
	)

	// CacheEvictions counts rows removed by LRU eviction.
	CacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "groupsync_cache_evicted_total",
			Help: "Cache rows removed by eviction.",
		},
	)

	// CacheReads counts snapshot reads by tier (memory|persistent|network).
	CacheReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupsync_cache_reads_total",
			Help: "Snapshot reads by serving tier.",
		},
		[]string{"tier"},
	)

	// Notifications counts push dispatch results (sent|gone|failed|rate_limited).
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupsync_notifications_total",
			Help: "Push notification results.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		SyncRuns,
		SyncDirtyMembers,
		MemberQueryDuration,
		CacheEntries,
		CacheEvictions,
		CacheReads,
		Notifications,
	)
}
