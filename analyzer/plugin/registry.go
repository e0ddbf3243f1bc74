package plugin

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/chillwhales/lsp-indexer/common"
	"github.com/chillwhales/lsp-indexer/storage"
)

var (
	// ErrDuplicateTopic is returned when two event plugins share a topic.
	ErrDuplicateTopic = errors.New("duplicate event signature")
	// ErrDuplicateName is returned when two plugins share a name.
	ErrDuplicateName = errors.New("duplicate plugin name")
	// ErrUnknownShape is returned for plugins that are neither event nor
	// data key plugins.
	ErrUnknownShape = errors.New("plugin is neither an event nor a data key plugin")
)

// Registry indexes a fixed set of plugins.
type Registry struct {
	plugins []Plugin
	events  map[ethCommon.Hash]EventPlugin
	// topics in registration order.
	topics   []ethCommon.Hash
	dataKeys []DataKeyPlugin
	handlers []Handler
	fetchers map[string]FetchResultHandler
}

var _ DataKeyRouter = (*Registry)(nil)

// NewRegistry indexes plugins. The order of plugins is the order in which
// they are populated, persisted and handled.
func NewRegistry(plugins []Plugin) (*Registry, error) {
	r := &Registry{
		events:   map[ethCommon.Hash]EventPlugin{},
		fetchers: map[string]FetchResultHandler{},
	}
	names := map[string]struct{}{}
	for _, p := range plugins {
		if _, ok := names[p.Name()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, p.Name())
		}
		names[p.Name()] = struct{}{}

		switch p := p.(type) {
		case EventPlugin:
			topic := p.Topic()
			if other, ok := r.events[topic]; ok {
				return nil, fmt.Errorf("%w: %s claimed by %s and %s", ErrDuplicateTopic, topic.Hex(), other.Name(), p.Name())
			}
			r.events[topic] = p
			r.topics = append(r.topics, topic)
		case DataKeyPlugin:
			r.dataKeys = append(r.dataKeys, p)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownShape, p.Name())
		}

		if h, ok := p.(Handler); ok {
			r.handlers = append(r.handlers, h)
		}
		if f, ok := p.(FetchResultHandler); ok {
			if other, ok := r.fetchers[f.FetchEntityType()]; ok {
				return nil, fmt.Errorf("fetch entity type %q claimed by %s and %s", f.FetchEntityType(), other.(Plugin).Name(), p.Name())
			}
			r.fetchers[f.FetchEntityType()] = f
		}
		r.plugins = append(r.plugins, p)
	}

	sort.SliceStable(r.dataKeys, func(i, j int) bool {
		return priority(r.dataKeys[i]) > priority(r.dataKeys[j])
	})
	return r, nil
}

func priority(p DataKeyPlugin) int {
	if pp, ok := p.(Prioritized); ok {
		return pp.Priority()
	}
	return 0
}

// Plugins returns every plugin in registration order.
func (r *Registry) Plugins() []Plugin {
	return r.plugins
}

// EventPlugin returns the plugin for a topic.
func (r *Registry) EventPlugin(topic ethCommon.Hash) (EventPlugin, bool) {
	p, ok := r.events[topic]
	return p, ok
}

// Route returns the first data key plugin matching key, or nil.
func (r *Registry) Route(key ethCommon.Hash) DataKeyPlugin {
	for _, p := range r.dataKeys {
		if p.Matches(key) {
			return p
		}
	}
	return nil
}

// DataKeyPlugins returns the data key plugins in routing order.
func (r *Registry) DataKeyPlugins() []DataKeyPlugin {
	return r.dataKeys
}

// Handlers returns the handlers in registration order.
func (r *Registry) Handlers() []Handler {
	return r.handlers
}

// FetchResultHandler returns the owner of a fetch entity type.
func (r *Registry) FetchResultHandler(entityType string) (FetchResultHandler, bool) {
	h, ok := r.fetchers[entityType]
	return h, ok
}

// PendingFetchSources returns the plugins that can list pending fetches,
// in registration order.
func (r *Registry) PendingFetchSources() []PendingFetchSource {
	out := []PendingFetchSource{}
	for _, p := range r.plugins {
		if s, ok := p.(PendingFetchSource); ok {
			out = append(out, s)
		}
	}
	return out
}

// RequiredCategories returns the union of the plugins' categories, in
// canonical order.
func (r *Registry) RequiredCategories() []common.EntityCategory {
	seen := map[common.EntityCategory]bool{}
	for _, p := range r.plugins {
		for _, c := range p.Categories() {
			seen[c] = true
		}
	}
	out := []common.EntityCategory{}
	for _, c := range common.Categories {
		if seen[c] {
			out = append(out, c)
		}
	}
	return out
}

// Subscriptions groups the event plugins into the log subscriptions the
// chain source has to serve. Unscoped plugins share one subscription that
// comes first; scoped plugins share one per distinct scope, ordered by
// address and then start block.
func (r *Registry) Subscriptions() []storage.LogSubscription {
	var global *storage.LogSubscription
	scoped := map[ContractScope]*storage.LogSubscription{}
	for _, topic := range r.topics {
		scope := r.events[topic].Scope()
		if scope == nil {
			if global == nil {
				global = &storage.LogSubscription{}
			}
			global.EventSignatures = append(global.EventSignatures, topic)
			continue
		}
		sub, ok := scoped[*scope]
		if !ok {
			sub = &storage.LogSubscription{
				Addresses: []ethCommon.Address{scope.Address},
				FromBlock: scope.FromBlock,
			}
			scoped[*scope] = sub
		}
		sub.EventSignatures = append(sub.EventSignatures, topic)
	}

	scopes := make([]ContractScope, 0, len(scoped))
	for s := range scoped {
		scopes = append(scopes, s)
	}
	sort.Slice(scopes, func(i, j int) bool {
		if c := bytes.Compare(scopes[i].Address[:], scopes[j].Address[:]); c != 0 {
			return c < 0
		}
		return scopes[i].FromBlock < scopes[j].FromBlock
	})

	out := []storage.LogSubscription{}
	if global != nil {
		out = append(out, *global)
	}
	for _, s := range scopes {
		out = append(out, *scoped[s])
	}
	return out
}

// InScope reports whether a log emitted by address at height belongs to
// the plugin.
func InScope(p EventPlugin, address ethCommon.Address, height uint64) bool {
	scope := p.Scope()
	if scope == nil {
		return true
	}
	return scope.Address == address && height >= scope.FromBlock
}
