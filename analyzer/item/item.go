// Package item implements the generic item based analyzer.
//
// Item based analyzer uses an ItemProcessor to process work items
// and handles the common logic for polling work items, splitting them
// into chunks and backing off when the queue is empty.
package item

import (
	"context"
	"fmt"
	"time"

	"github.com/chillwhales/lsp-indexer/analyzer"
	"github.com/chillwhales/lsp-indexer/analyzer/util"
	"github.com/chillwhales/lsp-indexer/config"
	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/metrics"
)

const (
	// Timeout to process a single chunk.
	processChunkTimeout = 5 * time.Minute
	// Default number of items picked per poll.
	defaultBatchSize = 20
)

type itemBasedAnalyzer[Item any] struct {
	maxBatchSize        uint64
	chunkSize           uint64
	stopIfQueueEmptyFor time.Duration
	fixedInterval       time.Duration
	interChunkDelay     time.Duration
	analyzerName        string

	processor ItemProcessor[Item]

	logger  *log.Logger
	metrics metrics.AnalysisMetrics

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

var _ analyzer.Analyzer = (*itemBasedAnalyzer[any])(nil)

type ItemProcessor[Item any] interface {
	// GetItems fetches the next batch of work items.
	GetItems(ctx context.Context, limit uint64) ([]Item, error)
	// ProcessItems processes one chunk of items and commits the results.
	// It returns the number of items that were processed successfully.
	ProcessItems(ctx context.Context, items []Item) (int, error)
	// QueueLength returns the number of total items in the work queue. This
	// is currently used for observability metrics.
	QueueLength(ctx context.Context) (int, error)
}

// NewAnalyzer returns a new item based analyzer using the provided item processor.
//
// If stopIfQueueEmptyFor is a non-zero duration, the analyzer will process batches of items until its
// work queue is empty for `stopIfQueueEmptyFor`, at which point it will terminate and return. Likely to
// be used in tests and one-off backfills.
//
// If fixedInterval is provided, the analyzer will process one batch every fixedInterval.
// By default, the analyzer will use a backoff mechanism that will attempt to run as
// fast as possible until encountering an error.
func NewAnalyzer[Item any](
	name string,
	cfg config.ItemBasedAnalyzerConfig,
	processor ItemProcessor[Item],
	logger *log.Logger,
) (analyzer.Analyzer, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ChunkSize == 0 || cfg.ChunkSize > cfg.BatchSize {
		cfg.ChunkSize = cfg.BatchSize
	}
	a := &itemBasedAnalyzer[Item]{
		maxBatchSize:        cfg.BatchSize,
		chunkSize:           cfg.ChunkSize,
		stopIfQueueEmptyFor: cfg.StopIfQueueEmptyFor,
		fixedInterval:       cfg.Interval,
		interChunkDelay:     cfg.InterChunkDelay,
		analyzerName:        name,
		processor:           processor,
		logger:              logger.With("analyzer", name),
		metrics:             metrics.NewDefaultAnalysisMetrics(),
		initialBackoff:      100 * time.Millisecond,
		maxBackoff:          6 * time.Second,
	}

	return a, nil
}

// sendQueueLength reports the current number of items in the work queue to Prometheus.
func (a *itemBasedAnalyzer[Item]) sendQueueLengthMetric(ctx context.Context) (int, error) {
	queueLength, err := a.processor.QueueLength(ctx)
	if err != nil {
		a.logger.Warn("error fetching queue length", "err", err)
		return 0, err
	}
	a.metrics.QueueLength(a.analyzerName).Set(float64(queueLength))
	return queueLength, nil
}

// processBatch fetches the next batch of work items and processes them
// chunk by chunk. A failed chunk does not stop the remaining ones; the
// first error is returned along with the number of processed items.
func (a *itemBasedAnalyzer[Item]) processBatch(ctx context.Context) (int, error) {
	// Fetch the batch.
	items, err := a.processor.GetItems(ctx, a.maxBatchSize)
	if err != nil {
		return 0, fmt.Errorf("error fetching work items: %w", err)
	}
	a.logger.Info("processing", "num_items", len(items))
	if len(items) == 0 {
		return 0, nil
	}

	var (
		processed int
		errs      []error
	)
	for start := 0; start < len(items); start += int(a.chunkSize) {
		if start > 0 {
			time.Sleep(a.interChunkDelay)
		}
		end := start + int(a.chunkSize)
		if end > len(items) {
			end = len(items)
		}
		chunkCtx, cancel := context.WithTimeout(ctx, processChunkTimeout)
		n, err := a.processor.ProcessItems(chunkCtx, items[start:end])
		cancel()
		processed += n
		if err != nil {
			a.logger.Error("failed to process chunk", "first", start, "size", end-start, "err", err)
		}
		errs = append(errs, err)
	}

	_, firstErr := processErrors(errs)
	return processed, firstErr
}

// Helper function that counts the number of errors and returns the first one if any.
func processErrors(errs []error) (int, error) {
	count := 0
	var firstErr error
	for _, e := range errs {
		if e != nil {
			count++
			if firstErr == nil {
				firstErr = e
			}
		}
	}

	return count, firstErr
}

// Start starts the item based analyzer.
func (a *itemBasedAnalyzer[Item]) Start(ctx context.Context) {
	backoff, err := util.NewBackoff(a.initialBackoff, a.maxBackoff)
	if err != nil {
		a.logger.Error("error configuring backoff policy",
			"err", err.Error(),
		)
		return
	}
	mostRecentTask := time.Now()

	for firstIter := true; ; firstIter = false {
		delay := backoff.Timeout()
		if a.fixedInterval != 0 {
			delay = a.fixedInterval
		}
		if firstIter {
			delay = 0 // Don't sleep before first iteration.
		}
		select {
		case <-time.After(delay):
			// Process another batch of items.
		case <-ctx.Done():
			a.logger.Warn("shutting down item analyzer", "reason", ctx.Err())
			return
		}
		// Update queueLength
		queueLength, err := a.sendQueueLengthMetric(ctx)
		// Stop if queue has been empty for a while, and configured to do so.
		if err == nil && queueLength == 0 && a.stopIfQueueEmptyFor != 0 && time.Since(mostRecentTask) > a.stopIfQueueEmptyFor {
			a.logger.Warn("item analyzer work queue has been empty for a while; shutting down",
				"queue_empty_since", mostRecentTask,
				"queue_empty_for", time.Since(mostRecentTask),
				"stop_if_queue_empty_for", a.stopIfQueueEmptyFor)
			return
		}
		a.logger.Info("work queue length", "num_items", queueLength)

		numProcessed, err := a.processBatch(ctx)
		if err != nil {
			a.logger.Error("error processing batch", "err", err)
			backoff.Failure()
			continue
		}
		if numProcessed == 0 {
			// Count this as a failure to reduce the polling when we are
			// running faster than the block analyzer can find new rows.
			backoff.Failure()
			continue
		}
		mostRecentTask = time.Now()

		backoff.Success()
	}
}

func (a *itemBasedAnalyzer[Item]) Name() string {
	return a.analyzerName
}
