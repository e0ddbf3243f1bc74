package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AnalysisMetrics covers the batch pipeline and the analyzers driving it.
type AnalysisMetrics struct {
	// Latencies of each pipeline phase.
	phaseLatencies *prometheus.HistogramVec

	// Counts of processed batches, partitioned by outcome.
	batches *prometheus.CounterVec

	// Counts of verified addresses, partitioned by category and result.
	verifications *prometheus.CounterVec

	// Counts of rows handed to the store, partitioned by table.
	persistedRows *prometheus.CounterVec

	// Length of an item analyzer's work queue.
	queueLengths *prometheus.GaugeVec

	// Height of the last block of the last processed batch.
	indexedHeight *prometheus.GaugeVec
}

type BatchStatus string

const (
	BatchStatusSuccess BatchStatus = "success"
	BatchStatusFailure BatchStatus = "failure"
)

// NewDefaultAnalysisMetrics creates Prometheus metric instrumentation for the
// pipeline and analyzers.
func NewDefaultAnalysisMetrics() AnalysisMetrics {
	return AnalysisMetrics{
		phaseLatencies: registerHistogramVec(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "pipeline_phase_latencies",
				Help: "How long each batch phase takes, partitioned by phase.",
			},
			[]string{"phase"}, // Labels.
		)),
		batches: registerCounterVec(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_batches",
				Help: "How many batches were processed, partitioned by status and whether they were at chain head.",
			},
			[]string{"status", "head"}, // Labels.
		)),
		verifications: registerCounterVec(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verification_results",
				Help: "How many addresses were verified, partitioned by category and result (new, valid, invalid).",
			},
			[]string{"category", "result"}, // Labels.
		)),
		persistedRows: registerCounterVec(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_persisted_rows",
				Help: "How many rows were written to the store, partitioned by table.",
			},
			[]string{"table"}, // Labels.
		)),
		queueLengths: registerGaugeVec(prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_length",
				Help: "How many items are waiting in an item analyzer's work queue.",
			},
			[]string{"analyzer"}, // Labels.
		)),
		indexedHeight: registerGaugeVec(prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexed_height",
				Help: "Height of the last block of the last successfully processed batch.",
			},
			[]string{"analyzer"}, // Labels.
		)),
	}
}

// PhaseTimer returns a new latency timer for a pipeline phase.
func (m *AnalysisMetrics) PhaseTimer(phase string) *prometheus.Timer {
	return prometheus.NewTimer(m.phaseLatencies.WithLabelValues(phase))
}

// Batches returns the counter for processed batches.
func (m *AnalysisMetrics) Batches(status BatchStatus, isHead bool) prometheus.Counter {
	head := "false"
	if isHead {
		head = "true"
	}
	return m.batches.WithLabelValues(string(status), head)
}

// Verifications returns the counter for verified addresses.
func (m *AnalysisMetrics) Verifications(category string, result string) prometheus.Counter {
	return m.verifications.WithLabelValues(category, result)
}

// PersistedRows returns the counter for rows written to a table.
func (m *AnalysisMetrics) PersistedRows(table string) prometheus.Counter {
	return m.persistedRows.WithLabelValues(table)
}

// QueueLength returns the gauge for an analyzer's work queue.
func (m *AnalysisMetrics) QueueLength(analyzer string) prometheus.Gauge {
	return m.queueLengths.WithLabelValues(analyzer)
}

// IndexedHeight returns the gauge for an analyzer's progress.
func (m *AnalysisMetrics) IndexedHeight(analyzer string) prometheus.Gauge {
	return m.indexedHeight.WithLabelValues(analyzer)
}
