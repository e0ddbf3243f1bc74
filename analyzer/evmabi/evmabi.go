package evmabi

import (
	_ "embed"
	"encoding/json"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func MustUnmarshalABI(artifactJSON []byte) *abi.ABI {
	var artifact struct {
		ABI *abi.ABI
	}
	if err := json.Unmarshal(artifactJSON, &artifact); err != nil {
		panic(err)
	}
	return artifact.ABI
}

//go:embed contracts/artifacts/ERC165.json
var artifactERC165JSON []byte
var ERC165 = MustUnmarshalABI(artifactERC165JSON)

//go:embed contracts/artifacts/Multicall3.json
var artifactMulticall3JSON []byte
var Multicall3 = MustUnmarshalABI(artifactMulticall3JSON)

//go:embed contracts/artifacts/ERC725X.json
var artifactERC725XJSON []byte
var ERC725X = MustUnmarshalABI(artifactERC725XJSON)

//go:embed contracts/artifacts/ERC725Y.json
var artifactERC725YJSON []byte
var ERC725Y = MustUnmarshalABI(artifactERC725YJSON)

//go:embed contracts/artifacts/LSP8IdentifiableDigitalAsset.json
var artifactLSP8JSON []byte
var LSP8IdentifiableDigitalAsset = MustUnmarshalABI(artifactLSP8JSON)
