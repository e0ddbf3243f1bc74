// Package batchctx holds the per-batch state shared by the pipeline phases:
// extracted entities, tracked addresses, verification results and queued
// metadata fetches. A Context lives for exactly one batch.
package batchctx

import (
	"fmt"
	"sort"

	"github.com/chillwhales/lsp-indexer/analyzer/fetcher"
	"github.com/chillwhales/lsp-indexer/analyzer/verification"
	"github.com/chillwhales/lsp-indexer/common"
)

// Entity is anything that can be stored in a Context.
type Entity interface {
	EntityID() string
}

// EntityType names a bag of entities of type T. Declare one per entity kind,
// usually as a package-level var next to the type.
type EntityType[T Entity] struct {
	name string
}

// NewEntityType returns the token for the bag with the given name.
func NewEntityType[T Entity](name string) EntityType[T] {
	return EntityType[T]{name: name}
}

func (t EntityType[T]) Name() string {
	return t.name
}

// Context is the state of one batch. It is not safe for concurrent use;
// the pipeline only touches it from one goroutine at a time.
type Context struct {
	entities map[string]map[string]Entity

	addresses map[common.EntityCategory]common.AddressSet
	frozen    bool

	verified map[common.EntityCategory]*verification.Result

	fetches []fetcher.Request
}

// New returns an empty Context.
func New() *Context {
	return &Context{
		entities:  map[string]map[string]Entity{},
		addresses: map[common.EntityCategory]common.AddressSet{},
		verified:  map[common.EntityCategory]*verification.Result{},
	}
}

// Add stores an entity, replacing any entity of the same type and id.
func Add[T Entity](c *Context, typ EntityType[T], e T) {
	bag, ok := c.entities[typ.name]
	if !ok {
		bag = map[string]Entity{}
		c.entities[typ.name] = bag
	}
	bag[e.EntityID()] = e
}

// Get returns the entity with the given id.
func Get[T Entity](c *Context, typ EntityType[T], id string) (T, bool) {
	e, ok := c.entities[typ.name][id]
	if !ok {
		var zero T
		return zero, false
	}
	return cast(typ, e), true
}

// Remove deletes the entity with the given id, if any.
func Remove[T Entity](c *Context, typ EntityType[T], id string) {
	delete(c.entities[typ.name], id)
}

// All returns every entity of a type, ordered by id.
func All[T Entity](c *Context, typ EntityType[T]) []T {
	bag := c.entities[typ.name]
	ids := make([]string, 0, len(bag))
	for id := range bag {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]T, len(ids))
	for i, id := range ids {
		out[i] = cast(typ, bag[id])
	}
	return out
}

// Count returns the number of entities of a type.
func Count[T Entity](c *Context, typ EntityType[T]) int {
	return len(c.entities[typ.name])
}

func cast[T Entity](typ EntityType[T], e Entity) T {
	v, ok := e.(T)
	if !ok {
		// Two EntityTypes share a name but not a Go type.
		panic(fmt.Sprintf("batchctx: entity %q in bag %q is %T", e.EntityID(), typ.name, e))
	}
	return v
}

// HasEntities reports whether the named bag is non-empty.
func (c *Context) HasEntities(name string) bool {
	return len(c.entities[name]) > 0
}

// EntityCounts returns the size of every non-empty bag.
func (c *Context) EntityCounts() map[string]int {
	out := map[string]int{}
	for name, bag := range c.entities {
		if len(bag) > 0 {
			out[name] = len(bag)
		}
	}
	return out
}

// TrackAddress asks for an address to be verified for a category. It panics
// once addresses are frozen.
func (c *Context) TrackAddress(category common.EntityCategory, address string) {
	if c.frozen {
		panic(fmt.Sprintf("batchctx: TrackAddress(%s, %s) after extraction", category, address))
	}
	set, ok := c.addresses[category]
	if !ok {
		set = common.NewAddressSet()
		c.addresses[category] = set
	}
	set.Add(address)
}

// Addresses returns the sorted addresses tracked for a category.
func (c *Context) Addresses(category common.EntityCategory) []string {
	return c.addresses[category].Sorted()
}

// TrackedCategories returns the categories with at least one tracked
// address, in canonical order.
func (c *Context) TrackedCategories() []common.EntityCategory {
	out := []common.EntityCategory{}
	for _, cat := range common.Categories {
		if len(c.addresses[cat]) > 0 {
			out = append(out, cat)
		}
	}
	return out
}

// FreezeAddresses ends the extraction phase.
func (c *Context) FreezeAddresses() {
	c.frozen = true
}

// SetVerification stores the verification result of a category. A result
// can be set only once.
func (c *Context) SetVerification(category common.EntityCategory, r *verification.Result) {
	if _, ok := c.verified[category]; ok {
		panic(fmt.Sprintf("batchctx: verification of %s set twice", category))
	}
	c.verified[category] = r
}

// Verification returns the result for a category, or an empty result if
// the category was not verified.
func (c *Context) Verification(category common.EntityCategory) *verification.Result {
	if r, ok := c.verified[category]; ok {
		return r
	}
	return verification.NewResult(category)
}

// IsValid reports whether an address was verified valid for a category.
func (c *Context) IsValid(category common.EntityCategory, address string) bool {
	return c.Verification(category).IsValid(address)
}

// EnqueueFetch queues a metadata fetch for the end of the batch.
func (c *Context) EnqueueFetch(req fetcher.Request) {
	c.fetches = append(c.fetches, req)
}

// DrainFetchRequests returns and clears the fetch queue.
func (c *Context) DrainFetchRequests() []fetcher.Request {
	out := c.fetches
	c.fetches = nil
	return out
}

// PendingFetchCount returns the length of the fetch queue.
func (c *Context) PendingFetchCount() int {
	return len(c.fetches)
}
