// Package pipeline runs batches of chain logs through the plugins in five
// strictly ordered phases: extract, verify, populate, persist and handle.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chillwhales/lsp-indexer/analyzer/batchctx"
	"github.com/chillwhales/lsp-indexer/analyzer/fetcher"
	"github.com/chillwhales/lsp-indexer/analyzer/plugin"
	"github.com/chillwhales/lsp-indexer/analyzer/verification"
	"github.com/chillwhales/lsp-indexer/common"
	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/metrics"
	"github.com/chillwhales/lsp-indexer/storage"
)

const moduleName = "pipeline"

const (
	phaseExtract  = "extract"
	phaseVerify   = "verify"
	phasePopulate = "populate"
	phasePersist  = "persist"
	phaseHandle   = "handle"
)

// Verifier resolves the addresses tracked for a category.
type Verifier interface {
	Verify(ctx context.Context, category common.EntityCategory, addresses []string, store storage.Store) (*verification.Result, error)
}

// Fetcher fetches metadata documents.
type Fetcher interface {
	FetchBatch(ctx context.Context, reqs []fetcher.Request) ([]fetcher.Result, error)
}

// Pipeline processes batches. Batches must be processed one at a time.
type Pipeline struct {
	registry *plugin.Registry
	verifier Verifier
	store    storage.Store
	// fetcher is nil when queued metadata fetches are left to the poller.
	fetcher Fetcher
	// declared holds the categories some plugin lists in Categories().
	declared map[common.EntityCategory]bool

	logger  *log.Logger
	metrics metrics.AnalysisMetrics
}

// New creates a pipeline. pool may be nil.
func New(registry *plugin.Registry, verifier Verifier, store storage.Store, pool Fetcher, logger *log.Logger) *Pipeline {
	logger = logger.WithModule(moduleName)
	required := registry.RequiredCategories()
	declared := make(map[common.EntityCategory]bool, len(required))
	names := make([]string, 0, len(required))
	for _, c := range required {
		declared[c] = true
		names = append(names, c.String())
	}
	logger.Info("pipeline configured",
		"plugins", len(registry.Plugins()),
		"categories", names,
		"fetch_at_head", pool != nil,
	)
	return &Pipeline{
		registry: registry,
		verifier: verifier,
		store:    store,
		fetcher:  pool,
		declared: declared,
		logger:   logger,
		metrics:  metrics.NewDefaultAnalysisMetrics(),
	}
}

// ProcessBatch runs one batch through every phase. An error from any phase
// aborts the batch; every write is idempotent, so the same batch can be
// processed again.
func (p *Pipeline) ProcessBatch(ctx context.Context, batch *storage.Batch) (*Summary, error) {
	summary, err := p.processBatch(ctx, batch)
	status := metrics.BatchStatusSuccess
	if err != nil {
		status = metrics.BatchStatusFailure
	}
	p.metrics.Batches(status, batch.IsHead).Inc()
	return summary, err
}

func (p *Pipeline) processBatch(ctx context.Context, batch *storage.Batch) (*Summary, error) {
	bctx := batchctx.New()
	store := newCountingStore(p.store)
	summary := newSummary(batch)
	logger := p.logger.With("from", batch.From, "to", batch.To, "is_head", batch.IsHead)

	steps := []struct {
		phase string
		run   func() error
	}{
		{phaseExtract, func() error { return p.extract(bctx, batch, summary) }},
		{phaseVerify, func() error { return p.verify(ctx, bctx, store, summary) }},
		{phasePopulate, func() error { return p.populate(bctx, summary) }},
		{phasePersist, func() error { return p.persist(ctx, bctx, store) }},
		{phaseHandle, func() error { return p.handle(ctx, bctx, batch, store, summary, logger) }},
	}
	for _, step := range steps {
		timer := p.metrics.PhaseTimer(step.phase)
		start := time.Now()
		if err := step.run(); err != nil {
			logger.Error("batch phase failed", "phase", step.phase, "err", err)
			return nil, fmt.Errorf("%s: %w", step.phase, err)
		}
		timer.ObserveDuration()
		p.logPhase(logger, step.phase, summary, store, time.Since(start))
	}

	summary.Rows = store.snapshot()
	for table, n := range summary.Rows {
		p.metrics.PersistedRows(table).Add(float64(n))
	}
	return summary, nil
}

func (p *Pipeline) logPhase(logger *log.Logger, phase string, s *Summary, store *countingStore, took time.Duration) {
	kv := []interface{}{"phase", phase, "took_ms", took.Milliseconds()}
	switch phase {
	case phaseExtract:
		kv = append(kv, "logs", s.Logs)
	case phaseVerify:
		for _, c := range common.Categories {
			if cs, ok := s.Categories[c]; ok {
				kv = append(kv, c.String(), fmt.Sprintf("new=%d valid=%d invalid=%d", cs.New, cs.Valid, cs.Invalid))
			}
		}
	case phasePopulate:
		kv = append(kv, "entities", s.Entities)
	case phasePersist:
		kv = append(kv, "rows", store.snapshot())
	case phaseHandle:
		kv = append(kv, "fetched", s.Fetched, "fetch_failed", s.FetchFailed, "fetch_dropped", s.FetchDropped)
	}
	logger.Info("batch phase done", kv...)
}

func (p *Pipeline) extract(bctx *batchctx.Context, batch *storage.Batch, summary *Summary) error {
	defer bctx.FreezeAddresses()
	for _, block := range batch.Blocks {
		for i := range block.Logs {
			lg := block.Logs[i]
			if len(lg.Topics) == 0 {
				continue
			}
			ep, ok := p.registry.EventPlugin(lg.Topics[0])
			if !ok || !plugin.InScope(ep, lg.Address, block.Header.Height) {
				continue
			}
			summary.Logs++
			ev := &plugin.Event{Log: lg, Block: block.Header, DataKeys: p.registry}
			if err := ep.Extract(bctx, ev); err != nil {
				return fmt.Errorf("plugin %s, block %d, log %d: %w", ep.Name(), block.Header.Height, lg.Index, err)
			}
		}
	}
	return nil
}

func (p *Pipeline) verify(ctx context.Context, bctx *batchctx.Context, store storage.Store, summary *Summary) error {
	categories := bctx.TrackedCategories()
	for _, c := range categories {
		if !p.declared[c] {
			summary.Undeclared = append(summary.Undeclared, c)
			p.logger.Warn("addresses tracked for a category no plugin declares", "category", c.String())
		}
	}
	results := make([]*verification.Result, len(categories))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, category := range categories {
		i, category := i, category
		addresses := bctx.Addresses(category)
		group.Go(func() error {
			r, err := p.verifier.Verify(groupCtx, category, addresses, store)
			if err != nil {
				return fmt.Errorf("category %s: %w", category, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	for i, category := range categories {
		r := results[i]
		bctx.SetVerification(category, r)
		summary.Categories[category] = CategorySummary{New: len(r.New), Valid: len(r.Valid), Invalid: len(r.Invalid)}
	}
	return nil
}

func (p *Pipeline) populate(bctx *batchctx.Context, summary *Summary) error {
	for _, pl := range p.registry.Plugins() {
		if err := pl.Populate(bctx); err != nil {
			return fmt.Errorf("plugin %s: %w", pl.Name(), err)
		}
	}
	summary.Entities = bctx.EntityCounts()
	return nil
}

func (p *Pipeline) persist(ctx context.Context, bctx *batchctx.Context, store storage.Store) error {
	// Category entities go first; plugin rows reference them.
	for _, category := range common.Categories {
		entities := bctx.Verification(category).NewEntities
		if len(entities) == 0 {
			continue
		}
		ids := make([]string, 0, len(entities))
		for id := range entities {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		rows := make([]storage.Row, len(ids))
		for i, id := range ids {
			rows[i] = entities[id].Row()
		}
		if err := store.Insert(ctx, category.Table(), rows); err != nil {
			return fmt.Errorf("new %s entities: %w", category, err)
		}
	}

	for _, pl := range p.registry.Plugins() {
		if clearer, ok := pl.(plugin.SubEntityClearer); ok {
			if err := clearer.ClearSubEntities(ctx, store, bctx); err != nil {
				return fmt.Errorf("plugin %s: clearing sub-entities: %w", pl.Name(), err)
			}
		}
		if err := pl.Persist(ctx, store, bctx); err != nil {
			return fmt.Errorf("plugin %s: %w", pl.Name(), err)
		}
	}
	return nil
}

func (p *Pipeline) handle(ctx context.Context, bctx *batchctx.Context, batch *storage.Batch, store storage.Store, summary *Summary, logger *log.Logger) error {
	hctx := &plugin.HandleContext{
		Store:   store,
		Batch:   batch,
		Context: bctx,
		Logger:  logger,
	}
	for _, h := range p.registry.Handlers() {
		if err := h.Handle(ctx, hctx); err != nil {
			return fmt.Errorf("plugin %s: %w", h.(plugin.Plugin).Name(), err)
		}
	}
	return p.drainFetches(ctx, bctx, batch, store, summary, logger)
}

// drainFetches resolves the metadata fetches queued during the batch. Off
// head, or without a fetcher, the requests are dropped; their rows stay
// pending in the store for the metadata poller.
func (p *Pipeline) drainFetches(ctx context.Context, bctx *batchctx.Context, batch *storage.Batch, store storage.Store, summary *Summary, logger *log.Logger) error {
	reqs := bctx.DrainFetchRequests()
	if len(reqs) == 0 {
		return nil
	}
	if !batch.IsHead || p.fetcher == nil {
		summary.FetchDropped = len(reqs)
		logger.Debug("leaving queued fetches to the metadata poller", "requests", len(reqs))
		return nil
	}

	results, err := p.fetcher.FetchBatch(ctx, reqs)
	if err != nil {
		return fmt.Errorf("fetching metadata: %w", err)
	}

	byType := map[string][]fetcher.Result{}
	types := []string{}
	for _, r := range results {
		if _, ok := byType[r.EntityType]; !ok {
			types = append(types, r.EntityType)
		}
		byType[r.EntityType] = append(byType[r.EntityType], r)
		if r.Success {
			summary.Fetched++
		} else {
			summary.FetchFailed++
		}
	}
	for _, t := range types {
		h, ok := p.registry.FetchResultHandler(t)
		if !ok {
			logger.Warn("no handler for fetch results", "entity_type", t, "results", len(byType[t]))
			continue
		}
		if err := h.HandleFetchResults(ctx, store, byType[t]); err != nil {
			return fmt.Errorf("handling %s fetch results: %w", t, err)
		}
	}
	return nil
}
