package batchctx

import (
	"math/big"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/chillwhales/lsp-indexer/analyzer/fetcher"
	"github.com/chillwhales/lsp-indexer/analyzer/verification"
	"github.com/chillwhales/lsp-indexer/common"
)

type widget struct {
	id    string
	value int
}

func (w *widget) EntityID() string { return w.id }

type gadget struct{ id string }

func (g gadget) EntityID() string { return g.id }

var (
	widgets = NewEntityType[*widget]("widget")
	gadgets = NewEntityType[gadget]("gadget")
)

func address(i int64) string {
	return ethCommon.BigToAddress(big.NewInt(i)).Hex()
}

func TestEntities(t *testing.T) {
	c := New()
	require.False(t, c.HasEntities(widgets.Name()))

	Add(c, widgets, &widget{id: "b", value: 2})
	Add(c, widgets, &widget{id: "a", value: 1})
	Add(c, gadgets, gadget{id: "a"})
	require.True(t, c.HasEntities("widget"))
	require.Equal(t, 2, Count(c, widgets))
	require.Equal(t, map[string]int{"widget": 2, "gadget": 1}, c.EntityCounts())

	w, ok := Get(c, widgets, "a")
	require.True(t, ok)
	require.Equal(t, 1, w.value)
	_, ok = Get(c, widgets, "missing")
	require.False(t, ok)

	Add(c, widgets, &widget{id: "a", value: 10})
	all := All(c, widgets)
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].id)
	require.Equal(t, 10, all[0].value)

	Remove(c, widgets, "a")
	Remove(c, widgets, "missing")
	require.Equal(t, 1, Count(c, widgets))
	Remove(c, gadgets, "a")
	require.False(t, c.HasEntities("gadget"))
	require.NotContains(t, c.EntityCounts(), "gadget")
}

func TestMismatchedEntityTypePanics(t *testing.T) {
	c := New()
	Add(c, widgets, &widget{id: "a"})
	clash := NewEntityType[gadget]("widget")
	require.Panics(t, func() { Get(c, clash, "a") })
}

func TestAddresses(t *testing.T) {
	c := New()
	require.Empty(t, c.TrackedCategories())

	lower := "0x" + "00000000000000000000000000000000000000ff"
	c.TrackAddress(common.CategoryDigitalAsset, lower)
	c.TrackAddress(common.CategoryDigitalAsset, address(255))
	c.TrackAddress(common.CategoryUniversalProfile, address(1))

	require.Equal(t, []common.EntityCategory{common.CategoryUniversalProfile, common.CategoryDigitalAsset}, c.TrackedCategories())
	require.Equal(t, []string{address(255)}, c.Addresses(common.CategoryDigitalAsset))
	require.Empty(t, c.Addresses(common.CategoryNFT))

	c.FreezeAddresses()
	require.Panics(t, func() { c.TrackAddress(common.CategoryNFT, address(2)) })
}

func TestVerification(t *testing.T) {
	c := New()
	require.False(t, c.IsValid(common.CategoryUniversalProfile, address(1)))
	empty := c.Verification(common.CategoryUniversalProfile)
	require.Empty(t, empty.Valid)
	require.Equal(t, common.CategoryUniversalProfile, empty.Category)

	r := verification.NewResult(common.CategoryUniversalProfile)
	r.Valid.Add(address(1))
	r.Invalid.Add(address(2))
	c.SetVerification(common.CategoryUniversalProfile, r)

	require.True(t, c.IsValid(common.CategoryUniversalProfile, address(1)))
	require.False(t, c.IsValid(common.CategoryUniversalProfile, address(2)))
	require.False(t, c.IsValid(common.CategoryDigitalAsset, address(1)))
	require.Same(t, r, c.Verification(common.CategoryUniversalProfile))

	require.Panics(t, func() {
		c.SetVerification(common.CategoryUniversalProfile, verification.NewResult(common.CategoryUniversalProfile))
	})
}

func TestFetchQueue(t *testing.T) {
	c := New()
	require.Empty(t, c.DrainFetchRequests())

	c.EnqueueFetch(fetcher.Request{ID: "1", URL: "ipfs://a"})
	c.EnqueueFetch(fetcher.Request{ID: "2", URL: "ipfs://b"})
	require.Equal(t, 2, c.PendingFetchCount())

	drained := c.DrainFetchRequests()
	require.Len(t, drained, 2)
	require.Equal(t, "1", drained[0].ID)
	require.Zero(t, c.PendingFetchCount())
	require.Empty(t, c.DrainFetchRequests())
}
