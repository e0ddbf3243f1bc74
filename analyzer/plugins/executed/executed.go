// Package executed indexes ERC725X Executed events of universal profiles.
package executed

import (
	"context"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/chillwhales/lsp-indexer/analyzer/batchctx"
	"github.com/chillwhales/lsp-indexer/analyzer/evmabi"
	"github.com/chillwhales/lsp-indexer/analyzer/plugin"
	"github.com/chillwhales/lsp-indexer/analyzer/plugins/pluginutil"
	"github.com/chillwhales/lsp-indexer/common"
	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/storage"
)

const (
	Name  = "executed"
	Table = "executed"
)

// Executed is one decoded event.
type Executed struct {
	pluginutil.Position
	OperationType string
	Target        string
	Value         string
	Selector      string
}

func (e *Executed) EntityID() string { return e.ID() }

var Entities = batchctx.NewEntityType[*Executed]("Executed")

type Plugin struct {
	logger *log.Logger
}

var _ plugin.EventPlugin = (*Plugin)(nil)

func New(logger *log.Logger) *Plugin {
	return &Plugin{logger: logger.WithModule(Name)}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Categories() []common.EntityCategory {
	return []common.EntityCategory{common.CategoryUniversalProfile}
}

func (p *Plugin) Topic() ethCommon.Hash {
	return evmabi.ERC725X.Events["Executed"].ID
}

func (p *Plugin) Scope() *plugin.ContractScope { return nil }

func (p *Plugin) Extract(bctx *batchctx.Context, ev *plugin.Event) error {
	lg := &ev.Log
	if !pluginutil.TopicCount(lg, 4) {
		p.logger.Warn("skipping Executed log with unexpected topics", "tx", lg.TxHash.Hex(), "index", lg.Index, "topics", len(lg.Topics))
		return nil
	}
	values, err := evmabi.ERC725X.Unpack("Executed", lg.Data)
	if err != nil || len(values) != 1 {
		p.logger.Warn("skipping undecodable Executed log", "tx", lg.TxHash.Hex(), "index", lg.Index, "err", err)
		return nil
	}
	value, _ := values[0].(*big.Int)
	if value == nil {
		value = new(big.Int)
	}

	pos := pluginutil.PositionOf(ev)
	bctx.TrackAddress(common.CategoryUniversalProfile, pos.Address)
	batchctx.Add(bctx, Entities, &Executed{
		Position:      pos,
		OperationType: new(big.Int).SetBytes(lg.Topics[1].Bytes()).String(),
		Target:        common.NormalizeAddress(ethCommon.BytesToAddress(lg.Topics[2].Bytes()).Hex()),
		Value:         value.String(),
		// Indexed bytes4 is left aligned.
		Selector: pluginutil.Hex(lg.Topics[3][:4]),
	})
	return nil
}

// Populate drops events of emitters that are not universal profiles.
func (p *Plugin) Populate(bctx *batchctx.Context) error {
	for _, e := range batchctx.All(bctx, Entities) {
		if !bctx.IsValid(common.CategoryUniversalProfile, e.Address) {
			batchctx.Remove(bctx, Entities, e.ID())
		}
	}
	return nil
}

func (p *Plugin) Persist(ctx context.Context, store storage.Store, bctx *batchctx.Context) error {
	entities := batchctx.All(bctx, Entities)
	if len(entities) == 0 {
		return nil
	}
	rows := make([]storage.Row, len(entities))
	for i, e := range entities {
		r := e.Position.Row()
		r["universal_profile_id"] = e.Address
		r["operation_type"] = e.OperationType
		r["target"] = e.Target
		r["value"] = e.Value
		r["selector"] = e.Selector
		rows[i] = r
	}
	return store.Upsert(ctx, Table, rows)
}
