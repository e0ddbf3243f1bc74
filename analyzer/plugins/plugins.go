// Package plugins lists the plugins the indexer runs.
package plugins

import (
	"github.com/chillwhales/lsp-indexer/analyzer/plugin"
	"github.com/chillwhales/lsp-indexer/analyzer/plugins/datachanged"
	"github.com/chillwhales/lsp-indexer/analyzer/plugins/executed"
	"github.com/chillwhales/lsp-indexer/analyzer/plugins/lsp3profile"
	"github.com/chillwhales/lsp-indexer/analyzer/plugins/lsp5receivedassets"
	"github.com/chillwhales/lsp-indexer/analyzer/plugins/lsp8transfer"
	"github.com/chillwhales/lsp-indexer/log"
)

// All returns every plugin in registration order, which is also the order
// they populate, persist and handle in.
func All(logger *log.Logger) []plugin.Plugin {
	return []plugin.Plugin{
		executed.New(logger),
		datachanged.New(logger),
		lsp3profile.New(logger),
		lsp5receivedassets.New(logger),
		lsp8transfer.New(logger),
	}
}

// NewRegistry registers All.
func NewRegistry(logger *log.Logger) (*plugin.Registry, error) {
	return plugin.NewRegistry(All(logger))
}
