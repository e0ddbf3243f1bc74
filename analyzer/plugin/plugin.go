// Package plugin defines the contract between the pipeline and the
// standard-specific decoders, and the registry routing logs and data keys
// to them.
package plugin

import (
	"context"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chillwhales/lsp-indexer/analyzer/batchctx"
	"github.com/chillwhales/lsp-indexer/analyzer/fetcher"
	"github.com/chillwhales/lsp-indexer/common"
	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/storage"
)

// Plugin is the part every plugin implements.
//
// Populate runs after verification and may only touch the plugin's own
// entity types. Persist must be idempotent: a batch can be replayed.
type Plugin interface {
	Name() string
	// Categories lists the address categories the plugin tracks during
	// extraction.
	Categories() []common.EntityCategory
	Populate(bctx *batchctx.Context) error
	Persist(ctx context.Context, store storage.Store, bctx *batchctx.Context) error
}

// SubEntityClearer is implemented by plugins whose entities own child rows
// that are rewritten as a whole. ClearSubEntities runs right before Persist.
type SubEntityClearer interface {
	ClearSubEntities(ctx context.Context, store storage.Store, bctx *batchctx.Context) error
}

// Handler is implemented by plugins with post-persist work. Handlers run
// one at a time in registration order.
type Handler interface {
	Handle(ctx context.Context, hctx *HandleContext) error
}

// ContractScope restricts an event plugin to one emitter from a block on.
type ContractScope struct {
	Address   ethCommon.Address
	FromBlock uint64
}

// EventPlugin decodes logs with one event signature.
type EventPlugin interface {
	Plugin
	// Topic is the event signature, topics[0] of the logs to route here.
	Topic() ethCommon.Hash
	// Scope returns nil for plugins accepting any emitter.
	Scope() *ContractScope
	Extract(bctx *batchctx.Context, ev *Event) error
}

// DataKeyPlugin decodes values written under matching ERC725Y data keys.
type DataKeyPlugin interface {
	Plugin
	Matches(key ethCommon.Hash) bool
	ExtractDataKey(bctx *batchctx.Context, ev *DataKeyEvent) error
}

// Prioritized data key plugins are tried in descending priority. The
// default priority is 0.
type Prioritized interface {
	Priority() int
}

// FetchResultHandler owns the results of metadata fetches tagged with its
// entity type.
type FetchResultHandler interface {
	FetchEntityType() string
	HandleFetchResults(ctx context.Context, store storage.Store, results []fetcher.Result) error
}

// PendingFetchSource is a FetchResultHandler that can list the rows still
// waiting for their metadata.
type PendingFetchSource interface {
	FetchResultHandler
	// PendingFetches returns up to limit requests for rows not yet fetched
	// that have failed fewer than maxRetries times.
	PendingFetches(ctx context.Context, store storage.Store, limit int, maxRetries int) ([]fetcher.Request, error)
	PendingFetchCount(ctx context.Context, store storage.Store, maxRetries int) (int, error)
}

// DataKeyRouter finds the plugin for a data key, or nil.
type DataKeyRouter interface {
	Route(key ethCommon.Hash) DataKeyPlugin
}

// Event is one log handed to an EventPlugin.
type Event struct {
	Log   types.Log
	Block storage.Header
	// DataKeys routes decoded data keys for meta-plugins.
	DataKeys DataKeyRouter
}

// DataKeyEvent is one decoded key/value write.
type DataKeyEvent struct {
	Event *Event
	Key   ethCommon.Hash
	Value []byte
}

// HandleContext is passed to Handlers.
type HandleContext struct {
	Store   storage.Store
	Batch   *storage.Batch
	Context *batchctx.Context
	Logger  *log.Logger
}
