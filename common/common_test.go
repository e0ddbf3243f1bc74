package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressSetNormalizes(t *testing.T) {
	s := NewAddressSet("0x000000000000000000000000000000000000aa11")
	require.True(t, s.Has("0x000000000000000000000000000000000000AA11"))
	require.Len(t, s, 1)

	s.Add("0x000000000000000000000000000000000000AA11")
	require.Len(t, s, 1)

	s.Remove("0x000000000000000000000000000000000000aA11")
	require.Empty(t, s)
}

func TestAddressSetSorted(t *testing.T) {
	s := NewAddressSet(
		"0x0000000000000000000000000000000000000003",
		"0x0000000000000000000000000000000000000001",
		"0x0000000000000000000000000000000000000002",
	)
	require.Equal(t, []string{
		"0x0000000000000000000000000000000000000001",
		"0x0000000000000000000000000000000000000002",
		"0x0000000000000000000000000000000000000003",
	}, s.Sorted())
}

func TestCategoryTables(t *testing.T) {
	require.Equal(t, "universal_profile", CategoryUniversalProfile.Table())
	require.Equal(t, "digital_asset", CategoryDigitalAsset.Table())
	require.Equal(t, "nft", CategoryNFT.Table())
	require.Equal(t, "DigitalAsset", CategoryDigitalAsset.String())
	require.Panics(t, func() { EntityCategory(42).Table() })
}
