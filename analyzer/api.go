package analyzer

import (
	"context"
	"errors"
)

// ErrOutOfRange is returned if the requested block range lies outside the
// analyzer's configured range.
var ErrOutOfRange = errors.New("range not found. no data source available")

// Analyzer is a long-running worker that materializes chain data.
type Analyzer interface {
	// Start starts the analyzer. It returns when the analyzer is done or ctx
	// is cancelled.
	Start(ctx context.Context)

	// Name returns the name of the analyzer.
	Name() string
}
