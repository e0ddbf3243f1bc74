package verification

import (
	"github.com/chillwhales/lsp-indexer/common"
	"github.com/chillwhales/lsp-indexer/storage"
)

// Entity is the minimal record of a newly verified address. It has to be
// persisted before any row referencing the address.
type Entity struct {
	ID      string
	Address string
}

// Row returns the entity as a row of its category table.
func (e Entity) Row() storage.Row {
	return storage.Row{"id": e.ID, "address": e.Address}
}

// Result is the outcome of verifying one category in one batch. Valid and
// Invalid partition the requested addresses; New is a subset of Valid.
type Result struct {
	Category    common.EntityCategory
	New         common.AddressSet
	Valid       common.AddressSet
	Invalid     common.AddressSet
	NewEntities map[string]Entity
}

// NewResult returns an empty result.
func NewResult(category common.EntityCategory) *Result {
	return &Result{
		Category:    category,
		New:         common.NewAddressSet(),
		Valid:       common.NewAddressSet(),
		Invalid:     common.NewAddressSet(),
		NewEntities: map[string]Entity{},
	}
}

// IsValid reports whether the address was verified valid.
func (r *Result) IsValid(address string) bool {
	return r.Valid.Has(address)
}

func (r *Result) markValid(address string, isNew bool) {
	r.Valid.Add(address)
	if isNew {
		r.New.Add(address)
		r.NewEntities[address] = Entity{ID: address, Address: address}
	}
}
