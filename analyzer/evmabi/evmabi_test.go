package evmabi

import (
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestEventIDs(t *testing.T) {
	for _, tc := range []struct {
		id        ethCommon.Hash
		signature string
	}{
		{ERC725X.Events["Executed"].ID, "Executed(uint256,address,uint256,bytes4)"},
		{ERC725Y.Events["DataChanged"].ID, "DataChanged(bytes32,bytes)"},
		{LSP8IdentifiableDigitalAsset.Events["Transfer"].ID, "Transfer(address,address,address,bytes32,bool,bytes)"},
	} {
		require.Equal(t, crypto.Keccak256Hash([]byte(tc.signature)), tc.id, tc.signature)
	}
}

func TestMethodSelectors(t *testing.T) {
	require.Equal(t, []byte{0x01, 0xff, 0xc9, 0xa7}, ERC165.Methods["supportsInterface"].ID)
	require.Equal(t, []byte{0x82, 0xad, 0x56, 0xcb}, Multicall3.Methods["aggregate3"].ID)
}
