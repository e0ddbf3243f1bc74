// Package metadata polls the rows whose off-chain metadata has not been
// fetched yet and resolves them through the fetch pool, outside of the
// batch pipeline.
package metadata

import (
	"context"
	"fmt"

	"github.com/chillwhales/lsp-indexer/analyzer"
	"github.com/chillwhales/lsp-indexer/analyzer/fetcher"
	"github.com/chillwhales/lsp-indexer/analyzer/item"
	"github.com/chillwhales/lsp-indexer/analyzer/plugin"
	"github.com/chillwhales/lsp-indexer/config"
	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/storage"
)

// Fetcher fetches metadata documents.
type Fetcher interface {
	FetchBatch(ctx context.Context, reqs []fetcher.Request) ([]fetcher.Result, error)
}

type processor struct {
	source     plugin.PendingFetchSource
	pool       Fetcher
	target     storage.Store
	maxRetries int
	logger     *log.Logger
}

var _ item.ItemProcessor[fetcher.Request] = (*processor)(nil)

// AnalyzerName returns the name of the poller for a fetch entity type.
func AnalyzerName(source plugin.PendingFetchSource) string {
	return "metadata_" + source.FetchEntityType()
}

// NewAnalyzer returns a poller for the pending fetches of one source.
func NewAnalyzer(
	cfg config.MetadataConfig,
	source plugin.PendingFetchSource,
	pool Fetcher,
	target storage.Store,
	logger *log.Logger,
) (analyzer.Analyzer, error) {
	name := AnalyzerName(source)
	p := &processor{
		source:     source,
		pool:       pool,
		target:     target,
		maxRetries: cfg.FetchRetryCount,
		logger:     logger.With("analyzer", name),
	}
	return item.NewAnalyzer[fetcher.Request](
		name,
		cfg.ItemBasedAnalyzerConfig(),
		p,
		logger,
	)
}

func (p *processor) GetItems(ctx context.Context, limit uint64) ([]fetcher.Request, error) {
	reqs, err := p.source.PendingFetches(ctx, p.target, int(limit), p.maxRetries)
	if err != nil {
		return nil, fmt.Errorf("listing pending %s fetches: %w", p.source.FetchEntityType(), err)
	}
	return reqs, nil
}

func (p *processor) ProcessItems(ctx context.Context, reqs []fetcher.Request) (int, error) {
	results, err := p.pool.FetchBatch(ctx, reqs)
	if err != nil {
		return 0, fmt.Errorf("fetching: %w", err)
	}
	if err := p.source.HandleFetchResults(ctx, p.target, results); err != nil {
		return 0, fmt.Errorf("handling results: %w", err)
	}
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	p.logger.Info("fetched metadata", "requests", len(reqs), "failed", failed)
	return len(results), nil
}

func (p *processor) QueueLength(ctx context.Context) (int, error) {
	return p.source.PendingFetchCount(ctx, p.target, p.maxRetries)
}
