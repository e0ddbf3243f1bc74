package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Default service metrics for database operations.
type StorageMetrics struct {
	// Counts of database operations
	databaseOperations *prometheus.CounterVec

	// Latencies of database operations.
	databaseLatencies *prometheus.HistogramVec

	// Hit rates of in-process caches.
	localCacheReads *prometheus.CounterVec
}

type CacheReadStatus string

const (
	CacheReadStatusHit  CacheReadStatus = "hit"
	CacheReadStatusMiss CacheReadStatus = "miss"
)

type OperationStatus string

const (
	OperationStatusSuccess OperationStatus = "success"
	OperationStatusFailure OperationStatus = "failure"
)

// NewDefaultStorageMetrics creates Prometheus metric instrumentation
// for basic metrics common to storage accesses.
func NewDefaultStorageMetrics() StorageMetrics {
	return StorageMetrics{
		databaseOperations: registerCounterVec(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations",
				Help: "How many database operations occur, partitioned by operation and status.",
			},
			[]string{"database", "operation", "table", "status"}, // Labels.
		)),
		databaseLatencies: registerHistogramVec(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "db_latencies",
				Help: "How long database operations take, partitioned by operation.",
			},
			[]string{"database", "operation"}, // Labels.
		)),
		localCacheReads: registerCounterVec(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "local_cache_reads",
				Help: "How many local cache reads occur, partitioned by cache and status (hit, miss).",
			},
			[]string{"cache", "status"}, // Labels.
		)),
	}
}

// DatabaseOperations returns the counter for the database operation.
// The provided params are used as labels.
func (m *StorageMetrics) DatabaseOperations(db, operation, table string, status OperationStatus) prometheus.Counter {
	return m.databaseOperations.WithLabelValues(db, operation, table, string(status))
}

// DatabaseLatencies returns a new latency timer for the provided
// database operation.
// The provided params are used as labels.
func (m *StorageMetrics) DatabaseLatencies(db string, operation string) *prometheus.Timer {
	return prometheus.NewTimer(m.databaseLatencies.WithLabelValues(db, operation))
}

// LocalCacheReads returns the counter for the local cache read.
func (m *StorageMetrics) LocalCacheReads(cache string, status CacheReadStatus) prometheus.Counter {
	return m.localCacheReads.WithLabelValues(cache, string(status))
}
