// Package block implements the block based analyzer.
//
// The block based analyzer walks the chain in contiguous batches of blocks,
// trailing the head by the finality depth, and hands each batch to a
// BatchProcessor. Progress is kept in the indexer_cursor table, so a
// restarted analyzer resumes after the last committed batch.
package block

import (
	"context"
	"fmt"
	"time"

	"github.com/chillwhales/lsp-indexer/analyzer"
	"github.com/chillwhales/lsp-indexer/analyzer/pipeline"
	"github.com/chillwhales/lsp-indexer/analyzer/util"
	"github.com/chillwhales/lsp-indexer/config"
	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/metrics"
	"github.com/chillwhales/lsp-indexer/storage"
)

const (
	// Timeout to process a batch.
	processBatchTimeout = 5 * time.Minute
	// CursorTable holds the next height to process, per analyzer.
	CursorTable = "indexer_cursor"
)

// BatchProcessor processes one batch of blocks.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batch *storage.Batch) (*pipeline.Summary, error)
}

var _ analyzer.Analyzer = (*blockBasedAnalyzer)(nil)

type blockBasedAnalyzer struct {
	config        *config.PipelineConfig
	finalityDepth uint64
	analyzerName  string

	source        storage.LogSource
	subscriptions []storage.LogSubscription
	processor     BatchProcessor

	target  storage.Store
	logger  *log.Logger
	metrics metrics.AnalysisMetrics

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAnalyzer returns a new block based analyzer feeding the blocks with
// logs matching subscriptions to processor.
func NewAnalyzer(
	cfg *config.PipelineConfig,
	finalityDepth uint64,
	name string,
	source storage.LogSource,
	subscriptions []storage.LogSubscription,
	processor BatchProcessor,
	target storage.Store,
	logger *log.Logger,
) (analyzer.Analyzer, error) {
	if cfg.BatchBlocks == 0 {
		return nil, fmt.Errorf("block analyzer %s: batch size must be positive", name)
	}
	return &blockBasedAnalyzer{
		config:         cfg,
		finalityDepth:  finalityDepth,
		analyzerName:   name,
		source:         source,
		subscriptions:  subscriptions,
		processor:      processor,
		target:         target,
		logger:         logger.With("analyzer", name),
		metrics:        metrics.NewDefaultAnalysisMetrics(),
		initialBackoff: 100 * time.Millisecond,
		// Cap the timeout at a few block times.
		maxBackoff: 30 * time.Second,
	}, nil
}

// Name returns the name of the analyzer.
func (b *blockBasedAnalyzer) Name() string {
	return b.analyzerName
}

// nextHeight returns the first height that has not been processed.
func (b *blockBasedAnalyzer) nextHeight(ctx context.Context) (uint64, error) {
	rows, err := b.target.FindBy(ctx, CursorTable, "id", b.analyzerName)
	if err != nil {
		return 0, fmt.Errorf("reading cursor: %w", err)
	}
	if len(rows) == 0 {
		return b.config.From, nil
	}
	next, err := toUint64(rows[0]["height"])
	if err != nil {
		return 0, fmt.Errorf("reading cursor: %w", err)
	}
	if next < b.config.From {
		return b.config.From, nil
	}
	return next, nil
}

func (b *blockBasedAnalyzer) commit(ctx context.Context, next uint64) error {
	return b.target.Upsert(ctx, CursorTable, []storage.Row{{
		"id":         b.analyzerName,
		"height":     int64(next),
		"updated_at": time.Now().UTC(),
	}})
}

func toUint64(v interface{}) (uint64, error) {
	switch v := v.(type) {
	case int64:
		return uint64(v), nil
	case int:
		return uint64(v), nil
	case int32:
		return uint64(v), nil
	case uint64:
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected height %v (%T)", v, v)
	}
}

// step status.
type step int

const (
	stepProcessed step = iota
	stepIdle
	stepDone
)

// processNext processes the next batch, if the chain has one ready.
func (b *blockBasedAnalyzer) processNext(ctx context.Context) (step, error) {
	from, err := b.nextHeight(ctx)
	if err != nil {
		return stepIdle, err
	}
	if b.config.To != 0 && from > b.config.To {
		return stepDone, nil
	}

	latest, err := b.source.LatestHeight(ctx)
	if err != nil {
		return stepIdle, fmt.Errorf("querying latest height on %s: %w", b.source.Name(), err)
	}
	if latest < b.finalityDepth {
		return stepIdle, nil
	}
	safe := latest - b.finalityDepth
	end := safe
	if b.config.To != 0 && b.config.To < end {
		end = b.config.To
	}
	if from > end {
		return stepIdle, nil
	}
	to := from + b.config.BatchBlocks - 1
	if to > end {
		to = end
	}

	batchCtx, cancel := context.WithTimeout(ctx, processBatchTimeout)
	defer cancel()

	blocks, err := b.source.Blocks(batchCtx, from, to, b.subscriptions)
	if err != nil {
		return stepIdle, fmt.Errorf("fetching blocks [%d, %d]: %w", from, to, err)
	}
	batch := &storage.Batch{From: from, To: to, Blocks: blocks, IsHead: to == safe}

	b.logger.Info("processing batch", "from", from, "to", to, "blocks", len(blocks), "is_head", batch.IsHead)
	summary, err := b.processor.ProcessBatch(batchCtx, batch)
	if err != nil {
		return stepIdle, fmt.Errorf("processing batch [%d, %d]: %w", from, to, err)
	}
	if err := b.commit(ctx, to+1); err != nil {
		return stepIdle, fmt.Errorf("committing cursor %d: %w", to+1, err)
	}
	b.metrics.IndexedHeight(b.analyzerName).Set(float64(to))
	b.logger.Info("processed batch", "from", from, "to", to, "logs", summary.Logs, "rows", summary.Rows)

	if batch.IsHead {
		return stepIdle, nil
	}
	return stepProcessed, nil
}

// Start starts the block analyzer.
func (b *blockBasedAnalyzer) Start(ctx context.Context) {
	backoff, err := util.NewBackoff(b.initialBackoff, b.maxBackoff)
	if err != nil {
		b.logger.Error("error configuring indexer backoff policy",
			"err", err.Error(),
		)
		return
	}

	for firstIter := true; ; firstIter = false {
		delay := backoff.Timeout()
		if firstIter {
			delay = 0
		}
		select {
		case <-time.After(delay):
			// Process another batch of blocks.
		case <-ctx.Done():
			b.logger.Warn("shutting down block analyzer", "reason", ctx.Err())
			return
		}

		s, err := b.processNext(ctx)
		if err != nil {
			b.logger.Error("error processing batch", "err", err)
			backoff.Failure()
			continue
		}
		switch s {
		case stepDone:
			b.logger.Info(
				"finished processing all blocks in the configured range",
				"from", b.config.From, "to", b.config.To,
			)
			return
		case stepIdle:
			// Caught up with the chain; poll less eagerly.
			backoff.Failure()
		case stepProcessed:
			backoff.Success()
		}
	}
}
