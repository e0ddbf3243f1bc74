// Package datachanged records every ERC725Y DataChanged event and hands the
// written key/value pairs to the data key plugins.
package datachanged

import (
	"context"

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
	Name  = "datachanged"
	Table = "data_changed"
)

type DataChanged struct {
	pluginutil.Position
	Key   ethCommon.Hash
	Value []byte
	// Profile is set in Populate when the emitter is a verified universal
	// profile.
	Profile bool
}

func (d *DataChanged) EntityID() string { return d.ID() }

var Entities = batchctx.NewEntityType[*DataChanged]("DataChanged")

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
	return evmabi.ERC725Y.Events["DataChanged"].ID
}

func (p *Plugin) Scope() *plugin.ContractScope { return nil }

func (p *Plugin) Extract(bctx *batchctx.Context, ev *plugin.Event) error {
	lg := &ev.Log
	if !pluginutil.TopicCount(lg, 2) {
		p.logger.Warn("skipping DataChanged log with unexpected topics", "tx", lg.TxHash.Hex(), "index", lg.Index, "topics", len(lg.Topics))
		return nil
	}
	values, err := evmabi.ERC725Y.Unpack("DataChanged", lg.Data)
	if err != nil || len(values) != 1 {
		p.logger.Warn("skipping undecodable DataChanged log", "tx", lg.TxHash.Hex(), "index", lg.Index, "err", err)
		return nil
	}
	value, _ := values[0].([]byte)

	pos := pluginutil.PositionOf(ev)
	key := lg.Topics[1]
	bctx.TrackAddress(common.CategoryUniversalProfile, pos.Address)
	batchctx.Add(bctx, Entities, &DataChanged{Position: pos, Key: key, Value: value})

	if ev.DataKeys == nil {
		return nil
	}
	kp := ev.DataKeys.Route(key)
	if kp == nil {
		return nil
	}
	return kp.ExtractDataKey(bctx, &plugin.DataKeyEvent{Event: ev, Key: key, Value: value})
}

// Populate keeps every row and links the verified profiles.
func (p *Plugin) Populate(bctx *batchctx.Context) error {
	for _, d := range batchctx.All(bctx, Entities) {
		d.Profile = bctx.IsValid(common.CategoryUniversalProfile, d.Address)
	}
	return nil
}

func (p *Plugin) Persist(ctx context.Context, store storage.Store, bctx *batchctx.Context) error {
	entities := batchctx.All(bctx, Entities)
	if len(entities) == 0 {
		return nil
	}
	rows := make([]storage.Row, len(entities))
	for i, d := range entities {
		r := d.Position.Row()
		r["universal_profile_id"] = nil
		if d.Profile {
			r["universal_profile_id"] = d.Address
		}
		r["data_key"] = d.Key.Hex()
		r["data_value"] = pluginutil.Hex(d.Value)
		rows[i] = r
	}
	return store.Upsert(ctx, Table, rows)
}
