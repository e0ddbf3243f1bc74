// Package common implements common lsp-indexer command options.
package common

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/chillwhales/lsp-indexer/config"
	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/metrics"
	"github.com/chillwhales/lsp-indexer/storage"
	"github.com/chillwhales/lsp-indexer/storage/memory"
	"github.com/chillwhales/lsp-indexer/storage/postgres"
)

var rootLogger = log.NewDefaultLogger("lsp-indexer")

// Init initializes the common environment.
func Init(cfg *config.Config) error {
	var w io.Writer = os.Stdout
	format := log.FmtJSON
	level := log.LevelDebug

	if cfg.Log != nil {
		var err error
		if w, err = getLoggingStream(cfg.Log); err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		if err := format.Set(cfg.Log.Format); err != nil {
			return err
		}
		if err := level.Set(cfg.Log.Level); err != nil {
			return err
		}
	}
	logger, err := log.NewLogger("lsp-indexer", w, format, level)
	if err != nil {
		return err
	}
	rootLogger = logger

	// Initialize Prometheus service.
	if cfg.Metrics != nil {
		promServer, err := metrics.NewPullService(cfg.Metrics.PullEndpoint, rootLogger)
		if err != nil {
			rootLogger.Error("failed to initialize metrics", "err", err)
			return err
		}
		go func() {
			if err := promServer.Run(context.Background()); err != nil {
				rootLogger.Error("metrics service stopped", "err", err)
			}
		}()
		if cfg.Metrics.PprofEndpoint != "" {
			startPprof(cfg.Metrics.PprofEndpoint)
		}
	}
	return nil
}

// RootLogger returns the logger defined by logging flags.
func RootLogger() *log.Logger {
	return rootLogger
}

func getLoggingStream(cfg *config.LogConfig) (io.Writer, error) {
	if cfg == nil || cfg.File == "" {
		return os.Stdout, nil
	}
	w, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Store is a storage.Store that holds connections.
type Store interface {
	storage.Store
	Close()
}

// memoryStore has nothing to close.
type memoryStore struct {
	*memory.Store
}

func (memoryStore) Close() {}

// NewStore creates a new client to target storage.
func NewStore(cfg *config.StorageConfig, logger *log.Logger) (Store, error) {
	var backend config.StorageBackend
	if err := backend.Set(cfg.Backend); err != nil {
		return nil, err
	}

	switch backend {
	case config.BackendPostgres:
		client, err := postgres.NewClient(cfg.Endpoint, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.BackendInMemory:
		logger.Warn("using the in-memory store; nothing survives a restart")
		return memoryStore{memory.NewStore()}, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %d", backend)
	}
}
