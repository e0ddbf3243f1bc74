// Package lsp8transfer indexes LSP8 Transfer events and the NFTs and
// ownership they imply.
package lsp8transfer

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
	Name  = "lsp8transfer"
	Table = "lsp8_transfer"
)

var zeroAddress = ethCommon.Address{}.Hex()

type Transfer struct {
	pluginutil.Position
	Operator string
	From     string
	To       string
	TokenID  string
	Force    bool
	Data     []byte
}

func (t *Transfer) EntityID() string { return t.ID() }

// NFTID identifies the transferred token.
func (t *Transfer) NFTID() string { return NFTID(t.Address, t.TokenID) }

// NFT is one token of a collection.
type NFT struct {
	Address string
	TokenID string
}

func NFTID(address, tokenID string) string { return address + "-" + tokenID }

func (n *NFT) EntityID() string { return NFTID(n.Address, n.TokenID) }

var (
	Transfers = batchctx.NewEntityType[*Transfer]("LSP8Transfer")
	NFTs      = batchctx.NewEntityType[*NFT]("NFT")
)

type Plugin struct {
	logger *log.Logger
}

var (
	_ plugin.EventPlugin = (*Plugin)(nil)
	_ plugin.Handler     = (*Plugin)(nil)
)

func New(logger *log.Logger) *Plugin {
	return &Plugin{logger: logger.WithModule(Name)}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Categories() []common.EntityCategory {
	return []common.EntityCategory{common.CategoryDigitalAsset, common.CategoryNFT}
}

func (p *Plugin) Topic() ethCommon.Hash {
	return evmabi.LSP8IdentifiableDigitalAsset.Events["Transfer"].ID
}

func (p *Plugin) Scope() *plugin.ContractScope { return nil }

func (p *Plugin) Extract(bctx *batchctx.Context, ev *plugin.Event) error {
	lg := &ev.Log
	if !pluginutil.TopicCount(lg, 4) {
		p.logger.Warn("skipping LSP8 Transfer log with unexpected topics", "tx", lg.TxHash.Hex(), "index", lg.Index, "topics", len(lg.Topics))
		return nil
	}
	values, err := evmabi.LSP8IdentifiableDigitalAsset.Unpack("Transfer", lg.Data)
	if err != nil || len(values) != 3 {
		p.logger.Warn("skipping undecodable LSP8 Transfer log", "tx", lg.TxHash.Hex(), "index", lg.Index, "err", err)
		return nil
	}
	operator, _ := values[0].(ethCommon.Address)
	force, _ := values[1].(bool)
	data, _ := values[2].([]byte)

	pos := pluginutil.PositionOf(ev)
	t := &Transfer{
		Position: pos,
		Operator: operator.Hex(),
		From:     ethCommon.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		To:       ethCommon.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		TokenID:  lg.Topics[3].Hex(),
		Force:    force,
		Data:     data,
	}
	bctx.TrackAddress(common.CategoryDigitalAsset, pos.Address)
	bctx.TrackAddress(common.CategoryNFT, pos.Address)
	batchctx.Add(bctx, Transfers, t)
	batchctx.Add(bctx, NFTs, &NFT{Address: pos.Address, TokenID: t.TokenID})
	return nil
}

// Populate drops transfers and tokens of collections that are not digital
// assets. A token is as valid as its collection.
func (p *Plugin) Populate(bctx *batchctx.Context) error {
	for _, t := range batchctx.All(bctx, Transfers) {
		if !bctx.IsValid(common.CategoryDigitalAsset, t.Address) {
			batchctx.Remove(bctx, Transfers, t.EntityID())
		}
	}
	for _, n := range batchctx.All(bctx, NFTs) {
		if !bctx.IsValid(common.CategoryDigitalAsset, n.Address) || !bctx.IsValid(common.CategoryNFT, n.Address) {
			batchctx.Remove(bctx, NFTs, n.EntityID())
		}
	}
	return nil
}

// Persist inserts the tokens, then the transfers referencing them.
// Ownership is merged in Handle.
func (p *Plugin) Persist(ctx context.Context, store storage.Store, bctx *batchctx.Context) error {
	nfts := batchctx.All(bctx, NFTs)
	if len(nfts) > 0 {
		rows := make([]storage.Row, len(nfts))
		for i, n := range nfts {
			rows[i] = storage.Row{
				"id":               n.EntityID(),
				"address":          n.Address,
				"token_id":         n.TokenID,
				"digital_asset_id": n.Address,
				"is_burned":        false,
			}
		}
		if err := store.Insert(ctx, common.CategoryNFT.Table(), rows); err != nil {
			return err
		}
	}

	transfers := batchctx.All(bctx, Transfers)
	if len(transfers) == 0 {
		return nil
	}
	rows := make([]storage.Row, len(transfers))
	for i, t := range transfers {
		r := t.Position.Row()
		r["digital_asset_id"] = t.Address
		r["nft_id"] = t.NFTID()
		r["operator"] = t.Operator
		r["from_address"] = t.From
		r["to_address"] = t.To
		r["token_id"] = t.TokenID
		r["force"] = t.Force
		r["data"] = pluginutil.Hex(t.Data)
		rows[i] = r
	}
	return store.Upsert(ctx, Table, rows)
}

// Handle moves each token to the receiver of its newest transfer, unless
// the stored owner comes from a later transfer.
func (p *Plugin) Handle(ctx context.Context, hctx *plugin.HandleContext) error {
	latest := map[string]*Transfer{}
	for _, t := range batchctx.All(hctx.Context, Transfers) {
		if prev, ok := latest[t.NFTID()]; !ok || t.After(prev.Position) {
			latest[t.NFTID()] = t
		}
	}
	if len(latest) == 0 {
		return nil
	}
	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	stored, err := hctx.Store.Find(ctx, storage.Query{
		Table:   common.CategoryNFT.Table(),
		Filters: []storage.Filter{storage.In("id", ids)},
	})
	if err != nil {
		return err
	}

	var updates []storage.Row
	for _, row := range stored {
		t := latest[row.ID()]
		if row["owner_block"] != nil {
			owner := pluginutil.Position{
				BlockNumber: uint64(pluginutil.Int(row["owner_block"])),
				LogIndex:    uint(pluginutil.Int(row["owner_log_index"])),
			}
			if owner.After(t.Position) {
				continue
			}
		}
		updates = append(updates, storage.Row{
			"id":              row.ID(),
			"owner":           t.To,
			"owner_block":     int64(t.BlockNumber),
			"owner_log_index": int64(t.LogIndex),
			"is_burned":       t.To == zeroAddress,
		})
	}
	if len(updates) > 0 {
		hctx.Logger.Debug("nft owners updated", "count", len(updates))
	}
	return hctx.Store.Upsert(ctx, common.CategoryNFT.Table(), updates)
}
