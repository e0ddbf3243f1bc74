package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RequestMetrics covers outbound traffic: metadata fetches and on-chain
// verification calls.
type RequestMetrics struct {
	// Counts of finished fetch requests.
	fetchResults *prometheus.CounterVec

	// Latencies of single fetch attempts.
	fetchLatencies *prometheus.HistogramVec

	// Counts of fetch redispatches.
	fetchRetries *prometheus.CounterVec

	// Counts of aggregator calls, partitioned by fallback level and status.
	multicalls *prometheus.CounterVec
}

// Fallback levels of a batched verification call.
const (
	MulticallLevelParallel   = "parallel"
	MulticallLevelSequential = "sequential"
	MulticallLevelSingle     = "single"
)

// NewDefaultRequestMetrics creates Prometheus metric instrumentation for
// outbound requests.
func NewDefaultRequestMetrics() RequestMetrics {
	return RequestMetrics{
		fetchResults: registerCounterVec(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metadata_fetch_results",
				Help: "How many metadata fetches finished, partitioned by entity type, status, and cause.",
			},
			[]string{"entity_type", "status", "cause"}, // Labels.
		)),
		fetchLatencies: registerHistogramVec(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "metadata_fetch_latencies",
				Help: "How long single metadata fetch attempts take, partitioned by URL scheme.",
			},
			[]string{"scheme"}, // Labels.
		)),
		fetchRetries: registerCounterVec(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metadata_fetch_retries",
				Help: "How many metadata fetches were redispatched after a retryable failure.",
			},
			[]string{"entity_type"}, // Labels.
		)),
		multicalls: registerCounterVec(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verification_multicalls",
				Help: "How many aggregator calls were issued, partitioned by fallback level and status.",
			},
			[]string{"level", "status"}, // Labels.
		)),
	}
}

// FetchResults returns the counter for finished fetches.
func (m *RequestMetrics) FetchResults(entityType string, status OperationStatus, cause string) prometheus.Counter {
	return m.fetchResults.WithLabelValues(entityType, string(status), cause)
}

// FetchTimer returns a new latency timer for a fetch attempt.
func (m *RequestMetrics) FetchTimer(scheme string) *prometheus.Timer {
	return prometheus.NewTimer(m.fetchLatencies.WithLabelValues(scheme))
}

// FetchRetries returns the counter for redispatched fetches.
func (m *RequestMetrics) FetchRetries(entityType string) prometheus.Counter {
	return m.fetchRetries.WithLabelValues(entityType)
}

// Multicalls returns the counter for aggregator calls.
func (m *RequestMetrics) Multicalls(level string, status OperationStatus) prometheus.Counter {
	return m.multicalls.WithLabelValues(level, string(status))
}
