package common

import (
	"sort"
	"strings"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// NormalizeAddress returns the EIP-55 checksummed form of a hex address.
// Everything the indexer stores or compares goes through this first, so that
// "0xabc.." and "0xABC.." are the same map key.
func NormalizeAddress(addr string) string {
	return ethCommon.HexToAddress(strings.TrimSpace(addr)).Hex()
}

// AddressSet is a set of normalized addresses.
type AddressSet map[string]struct{}

func NewAddressSet(addrs ...string) AddressSet {
	s := make(AddressSet, len(addrs))
	for _, a := range addrs {
		s.Add(a)
	}
	return s
}

func (s AddressSet) Add(addr string) {
	s[NormalizeAddress(addr)] = struct{}{}
}

func (s AddressSet) Has(addr string) bool {
	_, ok := s[NormalizeAddress(addr)]
	return ok
}

func (s AddressSet) Remove(addr string) {
	delete(s, NormalizeAddress(addr))
}

// Sorted returns the members in lexicographic order.
func (s AddressSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
