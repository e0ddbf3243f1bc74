package common

import (
	"io"

	"github.com/chillwhales/lsp-indexer/log"
)

func CloseOrLog(c io.Closer, logger *log.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn("close failed", "err", err)
	}
}
