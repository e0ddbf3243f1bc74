// Package lsp3profile indexes the LSP3Profile data key of universal
// profiles and the off-chain profile metadata it points to.
package lsp3profile

import (
	"context"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chillwhales/lsp-indexer/analyzer/batchctx"
	"github.com/chillwhales/lsp-indexer/analyzer/fetcher"
	"github.com/chillwhales/lsp-indexer/analyzer/plugin"
	"github.com/chillwhales/lsp-indexer/analyzer/plugins/pluginutil"
	"github.com/chillwhales/lsp-indexer/common"
	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/storage"
)

const (
	Name = "lsp3profile"

	Table     = "lsp3_profile"
	TagTable  = "lsp3_profile_tag"
	LinkTable = "lsp3_profile_link"

	// FetchEntityType tags the metadata fetches of profiles.
	FetchEntityType = "LSP3Profile"
)

// Key is keccak256("LSP3Profile").
var Key = crypto.Keccak256Hash([]byte("LSP3Profile"))

// Profile is the latest LSP3Profile write of one universal profile in a
// batch. Its id is the profile address.
type Profile struct {
	pluginutil.Position
	RawValue []byte
	URI      *pluginutil.VerifiableURI
	// DecodeError is set instead of URI when the value does not decode.
	DecodeError string
}

func (p *Profile) EntityID() string { return p.Address }

// HasURL reports whether there is metadata to fetch.
func (p *Profile) HasURL() bool {
	return p.URI != nil && p.URI.URL != ""
}

var Entities = batchctx.NewEntityType[*Profile]("LSP3Profile")

type Plugin struct {
	logger *log.Logger
}

var (
	_ plugin.DataKeyPlugin      = (*Plugin)(nil)
	_ plugin.SubEntityClearer   = (*Plugin)(nil)
	_ plugin.PendingFetchSource = (*Plugin)(nil)
)

func New(logger *log.Logger) *Plugin {
	return &Plugin{logger: logger.WithModule(Name)}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Categories() []common.EntityCategory {
	return []common.EntityCategory{common.CategoryUniversalProfile}
}

func (p *Plugin) Matches(key ethCommon.Hash) bool { return key == Key }

func (p *Plugin) ExtractDataKey(bctx *batchctx.Context, ev *plugin.DataKeyEvent) error {
	pos := pluginutil.PositionOf(ev.Event)
	bctx.TrackAddress(common.CategoryUniversalProfile, pos.Address)

	if prev, ok := batchctx.Get(bctx, Entities, pos.Address); ok && !pos.After(prev.Position) {
		return nil
	}
	profile := &Profile{Position: pos, RawValue: ev.Value}
	uri, err := pluginutil.DecodeVerifiableURI(ev.Value)
	if err != nil {
		p.logger.Debug("undecodable LSP3Profile value", "profile", pos.Address, "tx", pos.TransactionHash, "err", err)
		profile.DecodeError = err.Error()
	} else {
		profile.URI = uri
	}
	batchctx.Add(bctx, Entities, profile)
	return nil
}

// Populate drops writes of emitters that are not universal profiles and
// queues the metadata fetch of the rest.
func (p *Plugin) Populate(bctx *batchctx.Context) error {
	for _, profile := range batchctx.All(bctx, Entities) {
		if !bctx.IsValid(common.CategoryUniversalProfile, profile.Address) {
			batchctx.Remove(bctx, Entities, profile.EntityID())
			continue
		}
		if profile.HasURL() {
			bctx.EnqueueFetch(fetcher.Request{
				ID:         profile.EntityID(),
				URL:        profile.URI.URL,
				EntityType: FetchEntityType,
			})
		}
	}
	return nil
}

func ids(profiles []*Profile) []string {
	out := make([]string, len(profiles))
	for i, profile := range profiles {
		out[i] = profile.EntityID()
	}
	return out
}

// ClearSubEntities removes the tags and links of every rewritten profile.
func (p *Plugin) ClearSubEntities(ctx context.Context, store storage.Store, bctx *batchctx.Context) error {
	profiles := batchctx.All(bctx, Entities)
	if len(profiles) == 0 {
		return nil
	}
	return clearSubEntities(ctx, store, ids(profiles))
}

func clearSubEntities(ctx context.Context, store storage.Store, ids []string) error {
	for _, table := range []string{TagTable, LinkTable} {
		if err := store.Remove(ctx, table, storage.In("lsp3_profile_id", ids)); err != nil {
			return err
		}
	}
	return nil
}

// Persist writes the new value and resets the fetched metadata.
func (p *Plugin) Persist(ctx context.Context, store storage.Store, bctx *batchctx.Context) error {
	profiles := batchctx.All(bctx, Entities)
	if len(profiles) == 0 {
		return nil
	}
	rows := make([]storage.Row, len(profiles))
	for i, profile := range profiles {
		r := storage.Row{
			"id":                   profile.EntityID(),
			"universal_profile_id": profile.Address,
			"block_number":         int64(profile.BlockNumber),
			"log_index":            int64(profile.LogIndex),
			"raw_value":            pluginutil.Hex(profile.RawValue),
			"url":                  nil,
			"verification_method":  nil,
			"verification_data":    nil,
			"decode_error":         nil,
			"is_data_fetched":      !profile.HasURL(),
			"metadata":             nil,
			"name":                 nil,
			"description":          nil,
			"fetch_error_message":  nil,
			"fetch_error_code":     nil,
			"fetch_error_status":   nil,
			"retry_count":          0,
		}
		if profile.URI != nil {
			r["url"] = profile.URI.URL
			r["verification_method"] = profile.URI.Method
			r["verification_data"] = profile.URI.Data
		} else {
			r["decode_error"] = profile.DecodeError
		}
		rows[i] = r
	}
	return store.Upsert(ctx, Table, rows)
}
