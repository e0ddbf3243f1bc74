package datachanged

import (
	"context"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/chillwhales/lsp-indexer/analyzer/batchctx"
	"github.com/chillwhales/lsp-indexer/analyzer/evmabi"
	"github.com/chillwhales/lsp-indexer/analyzer/plugin"
	"github.com/chillwhales/lsp-indexer/analyzer/verification"
	"github.com/chillwhales/lsp-indexer/common"
	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/storage"
	"github.com/chillwhales/lsp-indexer/storage/memory"
)

var (
	profile  = ethCommon.HexToAddress("0x00000000000000000000000000000000000000a1")
	contract = ethCommon.HexToAddress("0x00000000000000000000000000000000000000b2")
	routed   = ethCommon.Hash{0x5e}
)

// keyPlugin records the writes routed to it.
type keyPlugin struct {
	seen []*plugin.DataKeyEvent
}

func (k *keyPlugin) Name() string { return "key" }
func (k *keyPlugin) Categories() []common.EntityCategory { return nil }
func (k *keyPlugin) Matches(key ethCommon.Hash) bool { return key == routed }
func (k *keyPlugin) Populate(*batchctx.Context) error { return nil }
func (k *keyPlugin) Persist(context.Context, storage.Store, *batchctx.Context) error {
	return nil
}

func (k *keyPlugin) ExtractDataKey(bctx *batchctx.Context, ev *plugin.DataKeyEvent) error {
	k.seen = append(k.seen, ev)
	return nil
}

type router struct {
	kp *keyPlugin
}

func (r router) Route(key ethCommon.Hash) plugin.DataKeyPlugin {
	if r.kp.Matches(key) {
		return r.kp
	}
	return nil
}

func dataChangedLog(t *testing.T, p *Plugin, emitter ethCommon.Address, key ethCommon.Hash, value []byte, index uint, r plugin.DataKeyRouter) *plugin.Event {
	data, err := evmabi.ERC725Y.Events["DataChanged"].Inputs.NonIndexed().Pack(value)
	require.NoError(t, err)
	return &plugin.Event{
		Log: types.Log{
			Address: emitter,
			Topics:  []ethCommon.Hash{p.Topic(), key},
			Data:    data,
			TxHash:  ethCommon.Hash{0x02},
			Index:   index,
		},
		Block:    storage.Header{Height: 7},
		DataKeys: r,
	}
}

func TestExtractDispatchesRoutedKeys(t *testing.T) {
	p := New(log.NewDiscardLogger())
	kp := &keyPlugin{}
	bctx := batchctx.New()

	require.NoError(t, p.Extract(bctx, dataChangedLog(t, p, profile, routed, []byte{0xca, 0xfe}, 0, router{kp})))
	require.NoError(t, p.Extract(bctx, dataChangedLog(t, p, profile, ethCommon.Hash{0x01}, []byte{0x01}, 1, router{kp})))

	require.Equal(t, 2, batchctx.Count(bctx, Entities))
	require.Len(t, kp.seen, 1)
	require.Equal(t, routed, kp.seen[0].Key)
	require.Equal(t, []byte{0xca, 0xfe}, kp.seen[0].Value)
	require.Equal(t, uint(0), kp.seen[0].Event.Log.Index)
}

func TestRowsOfNonProfilesAreUnlinked(t *testing.T) {
	p := New(log.NewDiscardLogger())
	bctx := batchctx.New()
	require.NoError(t, p.Extract(bctx, dataChangedLog(t, p, profile, routed, []byte{0x01}, 0, nil)))
	require.NoError(t, p.Extract(bctx, dataChangedLog(t, p, contract, routed, []byte{}, 1, nil)))
	bctx.FreezeAddresses()

	r := verification.NewResult(common.CategoryUniversalProfile)
	r.Valid.Add(profile.Hex())
	r.Invalid.Add(contract.Hex())
	bctx.SetVerification(common.CategoryUniversalProfile, r)
	require.NoError(t, p.Populate(bctx))

	store := memory.NewStore()
	require.NoError(t, p.Persist(context.Background(), store, bctx))
	require.Equal(t, 2, store.Len(Table))

	linked, ok := store.Get(Table, ethCommon.Hash{0x02}.Hex()+"-0")
	require.True(t, ok)
	require.Equal(t, profile.Hex(), linked["universal_profile_id"])
	require.Equal(t, routed.Hex(), linked["data_key"])
	require.Equal(t, "0x01", linked["data_value"])

	unlinked, ok := store.Get(Table, ethCommon.Hash{0x02}.Hex()+"-1")
	require.True(t, ok)
	require.Nil(t, unlinked["universal_profile_id"])
	require.Equal(t, "0x", unlinked["data_value"])
}

func TestExtractSkipsMalformedLogs(t *testing.T) {
	p := New(log.NewDiscardLogger())
	bctx := batchctx.New()
	ev := dataChangedLog(t, p, profile, routed, []byte{0x01}, 0, nil)
	ev.Log.Topics = ev.Log.Topics[:1]
	require.NoError(t, p.Extract(bctx, ev))
	require.Zero(t, batchctx.Count(bctx, Entities))
}
