// Package analyzer implements the `analyze` sub-command.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	ethCommon "github.com/ethereum/go-ethereum/common"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // postgres driver for golang_migrate
	_ "github.com/golang-migrate/migrate/v4/source/file"       // support file scheme for golang_migrate
	"github.com/spf13/cobra"

	"github.com/chillwhales/lsp-indexer/analyzer"
	"github.com/chillwhales/lsp-indexer/analyzer/block"
	"github.com/chillwhales/lsp-indexer/analyzer/fetcher"
	"github.com/chillwhales/lsp-indexer/analyzer/metadata"
	"github.com/chillwhales/lsp-indexer/analyzer/multicall"
	"github.com/chillwhales/lsp-indexer/analyzer/pipeline"
	"github.com/chillwhales/lsp-indexer/analyzer/plugins"
	"github.com/chillwhales/lsp-indexer/analyzer/util"
	"github.com/chillwhales/lsp-indexer/analyzer/verification"
	cmdCommon "github.com/chillwhales/lsp-indexer/cmd/common"
	"github.com/chillwhales/lsp-indexer/config"
	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/metrics"
	"github.com/chillwhales/lsp-indexer/storage"
	"github.com/chillwhales/lsp-indexer/storage/eth"
	"github.com/chillwhales/lsp-indexer/storage/postgres"
)

const (
	moduleName = "analysis_service"

	// blockAnalyzerName is the cursor id of the block loop.
	blockAnalyzerName = "lsp_blocks"
)

var (
	// Path to the configuration file.
	configFile string

	analyzeCmd = &cobra.Command{
		Use:   "analyze",
		Short: "Index LUKSO standards",
		Run:   runAnalyzer,
	}
)

func runAnalyzer(cmd *cobra.Command, args []string) {
	// Initialize config.
	cfg, err := config.InitConfig(configFile)
	if err != nil {
		log.NewDefaultLogger("init").Error("config init failed",
			"error", err,
		)
		os.Exit(1)
	}

	// Initialize common environment.
	if err = cmdCommon.Init(cfg); err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		os.Exit(1)
	}
	logger := cmdCommon.RootLogger()

	if cfg.Analysis == nil {
		logger.Error("analysis config not provided")
		os.Exit(1)
	}

	service, err := Init(cfg.Analysis)
	if err != nil {
		os.Exit(1)
	}
	service.Start()
}

// RunMigrations applies every pending migration in the migrations source
// to the database at dbURL.
func RunMigrations(source string, dbURL string) error {
	m, err := migrate.New(source, dbURL)
	if err != nil {
		return fmt.Errorf("migrator failed to start: %w", err)
	}
	defer m.Close()

	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations failed: %w", err)
	}
	return nil
}

// Init initializes the analysis service.
func Init(cfg *config.AnalysisConfig) (*Service, error) {
	logger := cmdCommon.RootLogger().WithModule(moduleName)

	var backend config.StorageBackend
	if err := backend.Set(cfg.Storage.Backend); err != nil {
		return nil, err
	}
	if backend == config.BackendPostgres {
		if cfg.Storage.WipeStorage {
			logger.Warn("wiping storage")
			if err := wipeStorage(cfg.Storage, logger); err != nil {
				logger.Error("wiping storage failed", "error", err)
				return nil, err
			}
			logger.Info("storage wiped")
		}
		if err := RunMigrations(cfg.Storage.Migrations, cfg.Storage.Endpoint); err != nil {
			logger.Error("migrations failed", "error", err)
			return nil, err
		}
		logger.Info("migrations completed")
	}

	service, err := NewService(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("service failed to start",
			"error", err,
		)
		return nil, err
	}
	return service, nil
}

func wipeStorage(cfg *config.StorageConfig, logger *log.Logger) error {
	client, err := postgres.NewClient(cfg.Endpoint, logger)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Wipe(context.Background())
}

// Service is the indexer's analysis service: the block loop plus one
// metadata poller per plugin with pending fetches.
type Service struct {
	Analyzers []analyzer.Analyzer

	source *eth.Client
	pool   *fetcher.Pool
	target cmdCommon.Store
	logger *log.Logger
}

// NewService creates new Service.
func NewService(ctx context.Context, cfg *config.AnalysisConfig, logger *log.Logger) (*Service, error) {
	logger.Info("initializing analysis service", "config", cfg)

	// Initialize target storage.
	target, err := cmdCommon.NewStore(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	store := storage.NewInstrumentedStore(target, metrics.NewDefaultStorageMetrics())

	// Initialize the chain source.
	source, err := eth.NewClient(ctx, cfg.Source.RPCURL, cfg.Source.GatewayURL, cfg.Source.RPCRateLimit, logger)
	if err != nil {
		target.Close()
		return nil, err
	}

	registry, err := plugins.NewRegistry(logger)
	if err != nil {
		source.Close()
		target.Close()
		return nil, err
	}

	mc := multicall.NewClient(source, ethCommon.HexToAddress(cfg.Source.MulticallAddress), cfg.Verification.MulticallBatchSize, logger)
	verifier := verification.NewVerifier(verification.NewCache(cfg.Verification.CacheMaxSize), mc, nil, logger)
	pool := fetcher.NewPool(fetcher.Config{
		Size:        cfg.Metadata.WorkerPoolSize,
		IPFSGateway: cfg.Metadata.IPFSGateway,
		Timeout:     cfg.Metadata.RequestTimeout,
		MaxRetries:  cfg.Metadata.FetchRetryCount,
		BaseDelay:   cfg.Metadata.RetryBaseDelay(),
	}, logger)

	service := &Service{source: source, pool: pool, target: target, logger: logger}
	blocks, err := block.NewAnalyzer(
		&cfg.Pipeline,
		cfg.Source.FinalityConfirmationDepth,
		blockAnalyzerName,
		source,
		registry.Subscriptions(),
		pipeline.New(registry, verifier, store, pool, logger),
		store,
		logger,
	)
	if err != nil {
		service.cleanup()
		return nil, err
	}
	service.Analyzers = append(service.Analyzers, blocks)

	for _, pending := range registry.PendingFetchSources() {
		poller, err := metadata.NewAnalyzer(cfg.Metadata, pending, pool, store, logger)
		if err != nil {
			service.cleanup()
			return nil, err
		}
		service.Analyzers = append(service.Analyzers, poller)
	}

	logger.Info("initialized all analyzers", "count", len(service.Analyzers))
	return service, nil
}

// Start starts the analysis service.
func (a *Service) Start() {
	defer a.cleanup()
	a.logger.Info("starting analysis service")

	ctx, cancelAnalyzers := context.WithCancel(context.Background())
	defer cancelAnalyzers() // Start() only returns when analyzers are done, so this should be a no-op, but it makes the compiler happier.

	// Start all analyzers.
	var wg sync.WaitGroup
	for _, an := range a.Analyzers {
		wg.Add(1)
		go func(an analyzer.Analyzer) {
			defer wg.Done()
			an.Start(ctx)
		}(an)
	}

	// Create a channel that will close when all analyzers have completed.
	analyzersDone := util.ClosingChannel(&wg)

	// Trap Ctrl+C and SIGTERM; the latter is issued by Kubernetes to request a shutdown.
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan) // Stop catching Ctrl+C signals.

	// Wait for analyzers to finish.
	select {
	case <-analyzersDone:
		a.logger.Info("all analyzers have completed")
		return
	case <-signalChan:
		a.logger.Info("received interrupt, shutting down")
		// Cancel the analyzers' context and wait for them to exit cleanly.
		cancelAnalyzers()
		signal.Stop(signalChan) // Let the default handler handle ctrl+C so people can kill the process in a hurry.
		<-analyzersDone
		a.logger.Info("all analyzers have exited cleanly")
		return
	}
}

// cleanup cleans up resources used by the service.
func (a *Service) cleanup() {
	a.pool.Shutdown()
	a.logger.Info("fetch workers have stopped")
	a.source.Close()
	a.logger.Info("all source connections have closed cleanly")
	a.target.Close()
	a.logger.Info("indexer db connection closed cleanly")
}

// Register registers the process sub-command.
func Register(parentCmd *cobra.Command) {
	analyzeCmd.Flags().StringVar(&configFile, "config", "./config/local.yml", "path to the config.yml file")
	parentCmd.AddCommand(analyzeCmd)
}
