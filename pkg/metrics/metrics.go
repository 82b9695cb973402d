package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WAL metrics
	WALBytesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qax_wal_bytes_written_total",
			Help: "Total bytes appended to the WAL, by instrument",
		},
		[]string{"instrument"},
	)

	WALAppendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qax_wal_append_duration_seconds",
			Help:    "Time to append and sync a WAL batch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"instrument"},
	)

	WALFilesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qax_wal_files_total",
			Help: "Number of live WAL files, by instrument",
		},
		[]string{"instrument"},
	)

	// MemTable metrics
	MemtableBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qax_memtable_bytes",
			Help: "Active memtable size in bytes, by instrument",
		},
		[]string{"instrument"},
	)

	MemtableRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qax_memtable_rotations_total",
			Help: "Total memtable rotations (active -> immutable), by instrument",
		},
		[]string{"instrument"},
	)

	// SSTable / compaction metrics
	SSTableFilesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qax_sstable_files_total",
			Help: "Number of live SSTable files, by instrument and level",
		},
		[]string{"instrument", "level"},
	)

	CompactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qax_compaction_duration_seconds",
			Help:    "Time taken by a compaction cycle, by level",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"level"},
	)

	CompactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qax_compactions_total",
			Help: "Total number of compactions run, by level and outcome",
		},
		[]string{"level", "outcome"},
	)

	BloomFalsePositivesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qax_bloom_false_positives_total",
			Help: "Bloom filter positives whose data-block scan found no matching key",
		},
		[]string{"instrument"},
	)

	// OLTP->OLAP conversion metrics
	ConversionBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qax_conversion_batches_total",
			Help: "Total conversion batches, by status",
		},
		[]string{"status"},
	)

	ConversionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qax_conversion_duration_seconds",
			Help:    "Time taken to convert one batch of row SSTables to columnar files",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConversionRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qax_conversion_retries_total",
			Help: "Total conversion batch retries after a worker error",
		},
	)

	// Notification bus metrics
	NotificationsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qax_notifications_published_total",
			Help: "Total notifications published, by priority",
		},
		[]string{"priority"},
	)

	NotificationsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qax_notifications_dropped_total",
			Help: "Total notifications dropped due to backpressure, by priority",
		},
		[]string{"priority"},
	)

	NotificationsDedupedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qax_notifications_deduped_total",
			Help: "Total notifications suppressed as duplicates of a recent message_id",
		},
	)

	NotificationFanoutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qax_notification_fanout_duration_seconds",
			Help:    "Time taken to drain and fan out one service cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Business-snapshot engine metrics
	SnapshotPatchesPushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qax_snapshot_patches_pushed_total",
			Help: "Total merge patches pushed to per-user pending queues",
		},
	)

	SnapshotPeekWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qax_snapshot_peek_wait_duration_seconds",
			Help:    "Time a peek() call spent blocked waiting for a patch",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Recovery metrics
	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qax_recovery_duration_seconds",
			Help:    "Time taken to complete crash recovery on startup",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	RecoveredRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qax_recovered_records_total",
			Help: "Total WAL records replayed during the last recovery",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WALBytesWritten,
		WALAppendDuration,
		WALFilesTotal,
		MemtableBytes,
		MemtableRotationsTotal,
		SSTableFilesTotal,
		CompactionDuration,
		CompactionsTotal,
		BloomFalsePositivesTotal,
		ConversionBatchesTotal,
		ConversionDuration,
		ConversionRetriesTotal,
		NotificationsPublishedTotal,
		NotificationsDroppedTotal,
		NotificationsDedupedTotal,
		NotificationFanoutDuration,
		SnapshotPatchesPushedTotal,
		SnapshotPeekWaitDuration,
		RecoveryDuration,
		RecoveredRecordsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
