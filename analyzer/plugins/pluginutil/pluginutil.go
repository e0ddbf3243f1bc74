// Package pluginutil holds helpers shared by the plugin implementations.
package pluginutil

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chillwhales/lsp-indexer/analyzer/plugin"
	"github.com/chillwhales/lsp-indexer/common"
	"github.com/chillwhales/lsp-indexer/storage"
)

// Position locates a log in the chain.
type Position struct {
	BlockNumber     uint64
	LogIndex        uint
	TransactionHash string
	Timestamp       time.Time
	Address         string
}

// PositionOf returns the position of the log of an event.
func PositionOf(ev *plugin.Event) Position {
	return Position{
		BlockNumber:     ev.Block.Height,
		LogIndex:        ev.Log.Index,
		TransactionHash: ev.Log.TxHash.Hex(),
		Timestamp:       ev.Block.Timestamp,
		Address:         common.NormalizeAddress(ev.Log.Address.Hex()),
	}
}

// ID identifies the log uniquely.
func (p Position) ID() string {
	return fmt.Sprintf("%s-%d", p.TransactionHash, p.LogIndex)
}

// After reports whether p comes later in the chain than o.
func (p Position) After(o Position) bool {
	if p.BlockNumber != o.BlockNumber {
		return p.BlockNumber > o.BlockNumber
	}
	return p.LogIndex > o.LogIndex
}

// Row returns the columns every event table carries.
func (p Position) Row() storage.Row {
	r := storage.Row{
		"id":               p.ID(),
		"block_number":     int64(p.BlockNumber),
		"log_index":        int64(p.LogIndex),
		"transaction_hash": p.TransactionHash,
		"address":          p.Address,
	}
	if !p.Timestamp.IsZero() {
		r["timestamp"] = p.Timestamp
	}
	return r
}

// TopicCount reports whether a log has exactly n topics, the signature
// included. Logs that share a signature but differ in indexing fail this.
func TopicCount(lg *types.Log, n int) bool {
	return len(lg.Topics) == n
}

// Hex encodes bytes as 0x-prefixed hex.
func Hex(b []byte) string {
	return hexutil.Encode(b)
}

// NullableString returns nil for a nil pointer, for nullable columns.
func NullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

// Int returns an integer column value of any width. Missing or non-integer
// values are 0.
func Int(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint64:
		return int(n)
	}
	return 0
}
