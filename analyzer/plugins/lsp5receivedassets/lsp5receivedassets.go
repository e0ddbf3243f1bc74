// Package lsp5receivedassets indexes the LSP5ReceivedAssetsMap entries of
// universal profiles.
package lsp5receivedassets

import (
	"bytes"
	"context"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/chillwhales/lsp-indexer/analyzer/batchctx"
	"github.com/chillwhales/lsp-indexer/analyzer/plugin"
	"github.com/chillwhales/lsp-indexer/analyzer/plugins/pluginutil"
	"github.com/chillwhales/lsp-indexer/common"
	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/storage"
)

const (
	Name  = "lsp5receivedassets"
	Table = "received_asset"

	// valueLength is bytes4 interface id ++ uint128 array index.
	valueLength = 20
)

// KeyPrefix is the LSP2 Mapping prefix of LSP5ReceivedAssetsMap; the last
// 20 bytes of a key are the asset address.
var KeyPrefix = ethCommon.FromHex("0x812c4334633eb816c80d0000")

// ReceivedAsset is the latest write of one map entry in a batch.
type ReceivedAsset struct {
	pluginutil.Position
	Asset    string
	RawValue []byte
	// InterfaceID and ArrayIndex are nil when the value is malformed.
	InterfaceID *string
	ArrayIndex  *string
	// Removed is set for an empty value.
	Removed bool
	// DigitalAsset is set in Populate when Asset is a verified digital asset.
	DigitalAsset bool
}

func (r *ReceivedAsset) EntityID() string { return r.Address + "-" + r.Asset }

var Entities = batchctx.NewEntityType[*ReceivedAsset]("ReceivedAsset")

type Plugin struct {
	logger *log.Logger
}

var _ plugin.DataKeyPlugin = (*Plugin)(nil)

func New(logger *log.Logger) *Plugin {
	return &Plugin{logger: logger.WithModule(Name)}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Categories() []common.EntityCategory {
	return []common.EntityCategory{common.CategoryUniversalProfile, common.CategoryDigitalAsset}
}

func (p *Plugin) Matches(key ethCommon.Hash) bool {
	return bytes.HasPrefix(key[:], KeyPrefix)
}

func decodeValue(r *ReceivedAsset, value []byte) {
	switch len(value) {
	case 0:
		r.Removed = true
	case valueLength:
		id := pluginutil.Hex(value[:4])
		index := new(big.Int).SetBytes(value[4:]).String()
		r.InterfaceID, r.ArrayIndex = &id, &index
	}
}

func (p *Plugin) ExtractDataKey(bctx *batchctx.Context, ev *plugin.DataKeyEvent) error {
	asset := &ReceivedAsset{
		Position: pluginutil.PositionOf(ev.Event),
		Asset:    common.NormalizeAddress(ethCommon.BytesToAddress(ev.Key[len(KeyPrefix):]).Hex()),
		RawValue: ev.Value,
	}
	decodeValue(asset, ev.Value)
	if !asset.Removed && asset.InterfaceID == nil {
		p.logger.Debug("malformed LSP5ReceivedAssetsMap value", "profile", asset.Address, "asset", asset.Asset, "length", len(ev.Value))
	}

	bctx.TrackAddress(common.CategoryUniversalProfile, asset.Address)
	bctx.TrackAddress(common.CategoryDigitalAsset, asset.Asset)
	if prev, ok := batchctx.Get(bctx, Entities, asset.EntityID()); ok && !asset.After(prev.Position) {
		return nil
	}
	batchctx.Add(bctx, Entities, asset)
	return nil
}

// Populate drops entries of emitters that are not universal profiles and
// links verified digital assets.
func (p *Plugin) Populate(bctx *batchctx.Context) error {
	for _, asset := range batchctx.All(bctx, Entities) {
		if !bctx.IsValid(common.CategoryUniversalProfile, asset.Address) {
			batchctx.Remove(bctx, Entities, asset.EntityID())
			continue
		}
		asset.DigitalAsset = bctx.IsValid(common.CategoryDigitalAsset, asset.Asset)
	}
	return nil
}

func (p *Plugin) Persist(ctx context.Context, store storage.Store, bctx *batchctx.Context) error {
	var (
		removed []string
		rows    []storage.Row
	)
	for _, asset := range batchctx.All(bctx, Entities) {
		if asset.Removed {
			removed = append(removed, asset.EntityID())
			continue
		}
		r := storage.Row{
			"id":                   asset.EntityID(),
			"universal_profile_id": asset.Address,
			"asset_address":        asset.Asset,
			"digital_asset_id":     nil,
			"block_number":         int64(asset.BlockNumber),
			"log_index":            int64(asset.LogIndex),
			"raw_value":            pluginutil.Hex(asset.RawValue),
			"interface_id":         pluginutil.NullableString(asset.InterfaceID),
			"array_index":          pluginutil.NullableString(asset.ArrayIndex),
		}
		if asset.DigitalAsset {
			r["digital_asset_id"] = asset.Asset
		}
		rows = append(rows, r)
	}
	if len(removed) > 0 {
		if err := store.Remove(ctx, Table, storage.In("id", removed)); err != nil {
			return err
		}
	}
	return store.Upsert(ctx, Table, rows)
}
