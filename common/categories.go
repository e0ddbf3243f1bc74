package common

import "fmt"

// EntityCategory classifies an address for verification purposes. Every
// category except NFT is backed by a table of known-good contracts.
type EntityCategory int

const (
	CategoryUniversalProfile EntityCategory = iota + 1
	CategoryDigitalAsset
	// CategoryNFT is never verified on its own; an NFT is as valid as the
	// DigitalAsset that minted it.
	CategoryNFT
)

// Categories lists every category in canonical order. Anything that iterates
// categories and has observable side effects (persisting newly verified
// entities, logging summaries) walks this order.
var Categories = []EntityCategory{
	CategoryUniversalProfile,
	CategoryDigitalAsset,
	CategoryNFT,
}

func (c EntityCategory) String() string {
	switch c {
	case CategoryUniversalProfile:
		return "UniversalProfile"
	case CategoryDigitalAsset:
		return "DigitalAsset"
	case CategoryNFT:
		return "NFT"
	default:
		return fmt.Sprintf("EntityCategory(%d)", int(c))
	}
}

// Table is the storage table holding the minimal `{id, address}` rows of
// verified addresses of this category.
func (c EntityCategory) Table() string {
	switch c {
	case CategoryUniversalProfile:
		return "universal_profile"
	case CategoryDigitalAsset:
		return "digital_asset"
	case CategoryNFT:
		return "nft"
	default:
		panic(fmt.Sprintf("common: no table for %s", c))
	}
}
