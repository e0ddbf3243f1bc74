package storage

import (
	"context"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Header is the part of a block header the pipeline cares about.
type Header struct {
	Height    uint64
	Hash      ethCommon.Hash
	Timestamp time.Time
}

// Block is a block header plus the subscribed logs it contains, ordered by
// log index.
type Block struct {
	Header Header
	Logs   []types.Log
}

// Batch is one contiguous, ordered range of blocks.
type Batch struct {
	From   uint64
	To     uint64
	Blocks []*Block
	// IsHead is set when the batch ends at the current safe chain head.
	// Online-only work (metadata fetches) runs only for head batches.
	IsHead bool
}

// LogSubscription describes a set of logs the chain source should deliver.
// Empty Addresses means any emitter.
type LogSubscription struct {
	EventSignatures []ethCommon.Hash
	Addresses       []ethCommon.Address
	FromBlock       uint64
}

// LogSource delivers the logs matching a set of subscriptions.
type LogSource interface {
	// LatestHeight returns the height of the latest block known to the source.
	LatestHeight(ctx context.Context) (uint64, error)

	// Blocks returns every block in [from, to] that contains at least one log
	// matching subs, in ascending height order.
	Blocks(ctx context.Context, from, to uint64, subs []LogSubscription) ([]*Block, error)

	// Name returns the name of the source.
	Name() string
}
