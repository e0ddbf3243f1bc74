// Package verification decides which addresses implement the interface their
// category requires, using a process-wide cache, the store, and batched
// ERC-165 supportsInterface calls.
package verification

import (
	"context"
	"fmt"

	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/chillwhales/lsp-indexer/analyzer/evmabi"
	"github.com/chillwhales/lsp-indexer/analyzer/multicall"
	"github.com/chillwhales/lsp-indexer/common"
	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/metrics"
	"github.com/chillwhales/lsp-indexer/storage"
)

const moduleName = "verification"

// InterfaceVersion is one ERC-165 interface id an address may implement to
// count as valid.
type InterfaceVersion struct {
	Name string
	ID   [4]byte
}

// DefaultInterfaceVersions lists, per category, the interface ids checked in
// order, newest first.
var DefaultInterfaceVersions = map[common.EntityCategory][]InterfaceVersion{
	common.CategoryUniversalProfile: {
		{"LSP0ERC725Account", [4]byte{0x24, 0x87, 0x1b, 0x3d}},
		{"LSP0ERC725Account@0.12", [4]byte{0x3e, 0x89, 0xad, 0x98}},
		{"LSP0ERC725Account@0.7", [4]byte{0xeb, 0x6b, 0xe6, 0x2e}},
	},
	common.CategoryDigitalAsset: {
		{"LSP7DigitalAsset", [4]byte{0xc5, 0x2d, 0x60, 0x08}},
		{"LSP8IdentifiableDigitalAsset", [4]byte{0x3a, 0x27, 0x17, 0x06}},
		{"LSP7DigitalAsset@0.12", [4]byte{0xb3, 0xc4, 0x92, 0x8f}},
		{"LSP8IdentifiableDigitalAsset@0.12", [4]byte{0xec, 0xad, 0x9f, 0x75}},
		{"LSP7DigitalAsset@0.7", [4]byte{0xda, 0xa7, 0x46, 0xb7}},
		{"LSP8IdentifiableDigitalAsset@0.7", [4]byte{0x30, 0xdc, 0x52, 0x78}},
	},
}

// Verifier verifies addresses. One instance serves the whole process.
type Verifier struct {
	cache     *Cache
	multicall *multicall.Client
	versions  map[common.EntityCategory][]InterfaceVersion

	logger  *log.Logger
	metrics metrics.AnalysisMetrics
}

// NewVerifier creates a verifier. A nil versions map uses
// DefaultInterfaceVersions.
func NewVerifier(cache *Cache, mc *multicall.Client, versions map[common.EntityCategory][]InterfaceVersion, logger *log.Logger) *Verifier {
	if versions == nil {
		versions = DefaultInterfaceVersions
	}
	return &Verifier{
		cache:     cache,
		multicall: mc,
		versions:  versions,
		logger:    logger.WithModule(moduleName),
		metrics:   metrics.NewDefaultAnalysisMetrics(),
	}
}

// Verify resolves every address of a category to valid or invalid.
//
// NFTs are valid by definition. Otherwise cached outcomes are used first,
// then rows already in the category table, then one batched
// supportsInterface call per interface version over whatever is still
// unresolved. An address that could not be checked at all is reported
// invalid but not cached, so a later batch asks again.
func (v *Verifier) Verify(ctx context.Context, category common.EntityCategory, addresses []string, store storage.Store) (*Result, error) {
	result := NewResult(category)
	requested := common.NewAddressSet(addresses...)

	if category == common.CategoryNFT {
		for a := range requested {
			result.Valid.Add(a)
		}
		return result, nil
	}

	unresolved := []string{}
	for _, a := range requested.Sorted() {
		valid, ok := v.cache.Get(category, a)
		switch {
		case !ok:
			unresolved = append(unresolved, a)
		case valid:
			result.markValid(a, false)
		default:
			result.Invalid.Add(a)
		}
	}

	if len(unresolved) > 0 {
		known, err := store.Find(ctx, storage.Query{
			Table:   category.Table(),
			Filters: []storage.Filter{storage.In("id", unresolved)},
		})
		if err != nil {
			return nil, fmt.Errorf("looking up known %s entities: %w", category, err)
		}
		knownSet := common.NewAddressSet()
		for _, row := range known {
			knownSet.Add(row.ID())
		}
		remaining := unresolved[:0]
		for _, a := range unresolved {
			if knownSet.Has(a) {
				v.cache.Put(category, a, true)
				result.markValid(a, false)
				continue
			}
			remaining = append(remaining, a)
		}
		unresolved = remaining
	}

	if len(unresolved) > 0 {
		if err := v.checkInterfaces(ctx, category, unresolved, result); err != nil {
			return nil, err
		}
	}

	v.metrics.Verifications(category.String(), "new").Add(float64(len(result.New)))
	v.metrics.Verifications(category.String(), "valid").Add(float64(len(result.Valid)))
	v.metrics.Verifications(category.String(), "invalid").Add(float64(len(result.Invalid)))
	v.logger.Info("verified addresses",
		"category", category.String(),
		"requested", len(requested),
		"new", len(result.New),
		"valid", len(result.Valid),
		"invalid", len(result.Invalid),
	)
	return result, nil
}

// checkInterfaces runs the on-chain checks over addresses unknown to both
// the cache and the store.
func (v *Verifier) checkInterfaces(ctx context.Context, category common.EntityCategory, addresses []string, result *Result) error {
	callFailed := common.NewAddressSet()
	for _, version := range v.versions[category] {
		if len(addresses) == 0 {
			break
		}
		callData, err := evmabi.ERC165.Pack("supportsInterface", version.ID)
		if err != nil {
			return fmt.Errorf("packing supportsInterface(%s): %w", version.Name, err)
		}
		calls := make([]multicall.Call, len(addresses))
		for i, a := range addresses {
			calls[i] = multicall.Call{Target: ethCommon.HexToAddress(a), CallData: callData}
		}

		outcomes := v.multicall.CallAll(ctx, calls)
		next := addresses[:0]
		for i, o := range outcomes {
			a := addresses[i]
			switch {
			case o.OK():
				v.cache.Put(category, a, true)
				result.markValid(a, true)
				callFailed.Remove(a)
			case o.Err != nil:
				callFailed.Add(a)
				next = append(next, a)
			default:
				next = append(next, a)
			}
		}
		addresses = next
	}

	for _, a := range addresses {
		result.Invalid.Add(a)
		if callFailed.Has(a) {
			v.logger.Warn("could not verify address; treating as invalid for this batch",
				"category", category.String(),
				"address", a,
			)
			continue
		}
		v.cache.Put(category, a, false)
	}
	return nil
}
