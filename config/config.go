// Package config enables config file parsing.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/chillwhales/lsp-indexer/log"
)

// Config contains the CLI configuration.
type Config struct {
	Analysis *AnalysisConfig `koanf:"analysis"`
	Log      *LogConfig      `koanf:"log"`
	Metrics  *MetricsConfig  `koanf:"metrics"`
}

// Validate performs config validation.
func (cfg *Config) Validate() error {
	if cfg.Analysis != nil {
		if err := cfg.Analysis.Validate(); err != nil {
			return fmt.Errorf("analysis: %w", err)
		}
	}
	if cfg.Log != nil {
		if err := cfg.Log.Validate(); err != nil {
			return fmt.Errorf("log: %w", err)
		}
	}
	if cfg.Metrics != nil {
		if err := cfg.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	return nil
}

// AnalysisConfig is the configuration for the indexing pipeline.
type AnalysisConfig struct {
	// Source is the configuration for accessing the chain.
	Source SourceConfig `koanf:"source"`

	// Pipeline selects the block range to index.
	Pipeline PipelineConfig `koanf:"pipeline"`

	Verification VerificationConfig `koanf:"verification"`

	Metadata MetadataConfig `koanf:"metadata"`

	Storage *StorageConfig `koanf:"storage"`
}

// Validate validates the analysis configuration.
func (cfg *AnalysisConfig) Validate() error {
	if err := cfg.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := cfg.Verification.Validate(); err != nil {
		return fmt.Errorf("verification: %w", err)
	}
	if err := cfg.Metadata.Validate(); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	if cfg.Storage == nil {
		return fmt.Errorf("no storage config provided")
	}
	return cfg.Storage.Validate(true /* requireMigrations */)
}

// SourceConfig configures access to a LUKSO RPC node.
type SourceConfig struct {
	// RPCURL is the JSON-RPC endpoint used for calls and headers.
	RPCURL string `koanf:"rpc_url"`

	// GatewayURL is an optional JSON-RPC endpoint serving eth_getLogs.
	// When empty, logs are read from RPCURL.
	GatewayURL string `koanf:"gateway_url"`

	// RPCRateLimit is the maximum number of requests per second sent to
	// the RPC node. Zero disables rate limiting.
	RPCRateLimit float64 `koanf:"rpc_rate_limit"`

	// FinalityConfirmationDepth is how many blocks a batch trails the
	// latest block by.
	FinalityConfirmationDepth uint64 `koanf:"finality_confirmation_depth"`

	// MulticallAddress is the Multicall3 deployment to batch calls through.
	// Empty means the canonical deployment address.
	MulticallAddress string `koanf:"multicall_address"`
}

// Validate validates the source configuration.
func (cfg *SourceConfig) Validate() error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc_url not configured")
	}
	if _, err := url.Parse(cfg.RPCURL); err != nil {
		return fmt.Errorf("malformed rpc_url: %w", err)
	}
	if cfg.RPCRateLimit < 0 {
		return fmt.Errorf("rpc_rate_limit must not be negative")
	}
	if cfg.MulticallAddress != "" && !ethCommon.IsHexAddress(cfg.MulticallAddress) {
		return fmt.Errorf("malformed multicall_address '%s'", cfg.MulticallAddress)
	}
	return nil
}

// PipelineConfig configures the block loop.
type PipelineConfig struct {
	// From is the (inclusive) starting block.
	From uint64 `koanf:"from"`

	// To is the (inclusive) ending block. Omitting this parameter means
	// the pipeline follows the chain head indefinitely.
	To uint64 `koanf:"to"`

	// BatchBlocks is the maximum number of blocks in one batch.
	BatchBlocks uint64 `koanf:"batch_blocks"`
}

// Validate validates the pipeline configuration.
func (cfg *PipelineConfig) Validate() error {
	if cfg.To != 0 && cfg.From > cfg.To {
		return fmt.Errorf("from must be less than or equal to to")
	}
	if cfg.BatchBlocks == 0 {
		return fmt.Errorf("batch_blocks must be positive")
	}
	return nil
}

// VerificationConfig configures address verification.
type VerificationConfig struct {
	CacheMaxSize       int `koanf:"cache_max_size"`
	MulticallBatchSize int `koanf:"multicall_batch_size"`
}

// Validate validates the verification configuration.
func (cfg *VerificationConfig) Validate() error {
	if cfg.CacheMaxSize <= 0 {
		return fmt.Errorf("cache_max_size must be positive")
	}
	if cfg.MulticallBatchSize <= 0 {
		return fmt.Errorf("multicall_batch_size must be positive")
	}
	return nil
}

// MetadataConfig configures off-chain metadata fetching.
type MetadataConfig struct {
	// IPFSGateway is the URL prefix that ipfs://<cid> is rewritten to.
	IPFSGateway string `koanf:"ipfs_gateway"`

	// FetchLimit is the maximum number of pending rows picked per poll.
	FetchLimit uint64 `koanf:"fetch_limit"`

	// FetchBatchSize is how many requests are handed to the pool at once.
	FetchBatchSize uint64 `koanf:"fetch_batch_size"`

	// FetchRetryCount is the number of failed fetches after which a row is
	// no longer polled, and the number of retries within one fetch.
	FetchRetryCount int `koanf:"fetch_retry_count"`

	FetchRetryBaseDelayMs int `koanf:"fetch_retry_base_delay_ms"`

	WorkerPoolSize int `koanf:"worker_pool_size"`

	RequestTimeout time.Duration `koanf:"request_timeout"`

	// Interval is the pause between polls. Zero uses a backoff.
	Interval time.Duration `koanf:"interval"`

	// If StopIfQueueEmptyFor is non-zero, the metadata pollers terminate
	// when their queue has been empty for this long.
	StopIfQueueEmptyFor time.Duration `koanf:"stop_if_queue_empty_for"`
}

// Validate validates the metadata configuration.
func (cfg *MetadataConfig) Validate() error {
	if cfg.IPFSGateway == "" {
		return fmt.Errorf("ipfs_gateway not configured")
	}
	if !strings.HasSuffix(cfg.IPFSGateway, "/") {
		return fmt.Errorf("ipfs_gateway '%s' must end with '/'", cfg.IPFSGateway)
	}
	if cfg.FetchLimit == 0 || cfg.FetchBatchSize == 0 {
		return fmt.Errorf("fetch_limit and fetch_batch_size must be positive")
	}
	if cfg.FetchRetryCount < 0 || cfg.FetchRetryBaseDelayMs < 0 {
		return fmt.Errorf("fetch_retry_count and fetch_retry_base_delay_ms must not be negative")
	}
	if cfg.WorkerPoolSize <= 0 {
		return fmt.Errorf("worker_pool_size must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	return nil
}

// ItemBasedAnalyzerConfig returns the polling configuration of the
// metadata pollers.
func (cfg *MetadataConfig) ItemBasedAnalyzerConfig() ItemBasedAnalyzerConfig {
	return ItemBasedAnalyzerConfig{
		BatchSize:           cfg.FetchLimit,
		ChunkSize:           cfg.FetchBatchSize,
		StopIfQueueEmptyFor: cfg.StopIfQueueEmptyFor,
		Interval:            cfg.Interval,
	}
}

// ItemBasedAnalyzerConfig configures an item based analyzer.
type ItemBasedAnalyzerConfig struct {
	// BatchSize is the maximum number of items picked per poll.
	BatchSize uint64 `koanf:"batch_size"`

	// ChunkSize is the number of items processed together.
	ChunkSize uint64 `koanf:"chunk_size"`

	// If StopIfQueueEmptyFor is a non-zero duration, the analyzer will
	// terminate once its work queue has been empty for this long.
	StopIfQueueEmptyFor time.Duration `koanf:"stop_if_queue_empty_for"`

	// Interval is the fixed pause between polls. Zero uses a backoff.
	Interval time.Duration `koanf:"interval"`

	// InterChunkDelay is the pause between two chunks of one poll.
	InterChunkDelay time.Duration `koanf:"inter_chunk_delay"`
}

// RetryBaseDelay returns FetchRetryBaseDelayMs as a duration.
func (cfg *MetadataConfig) RetryBaseDelay() time.Duration {
	return time.Duration(cfg.FetchRetryBaseDelayMs) * time.Millisecond
}

// StorageBackend is a storage backend.
type StorageBackend uint

const (
	// BackendPostgres is the PostgreSQL storage backend.
	BackendPostgres StorageBackend = iota
	// BackendInMemory is the in-memory storage backend.
	BackendInMemory
)

// String returns the string representation of a StorageBackend.
func (sb *StorageBackend) String() string {
	switch *sb {
	case BackendPostgres:
		return "postgres"
	case BackendInMemory:
		return "inmemory"
	default:
		panic("config: unsupported storage backend")
	}
}

// Set sets the StorageBackend to the value specified by the provided string.
func (sb *StorageBackend) Set(s string) error {
	switch strings.ToLower(s) {
	case "postgres":
		*sb = BackendPostgres
	case "inmemory":
		*sb = BackendInMemory
	default:
		return fmt.Errorf("config: invalid storage backend: '%s'", s)
	}

	return nil
}

// Type returns the type of Flag.
func (sb *StorageBackend) Type() string {
	return "StorageBackend"
}

// StorageConfig contains the storage layer configuration.
type StorageConfig struct {
	// Endpoint is the storage endpoint from which to read/write indexed data.
	Endpoint string `koanf:"endpoint"`

	// Backend is the storage backend to select.
	Backend string `koanf:"backend"`

	// Migrations is the directory containing schema migrations.
	Migrations string `koanf:"migrations"`

	// If true, we'll first delete all tables in the DB to
	// force a full re-index of the blockchain.
	WipeStorage bool `koanf:"DANGER__WIPE_STORAGE_ON_STARTUP"`
}

// Validate validates the storage configuration.
func (cfg *StorageConfig) Validate(requireMigrations bool) error {
	var sb StorageBackend
	if err := sb.Set(cfg.Backend); err != nil {
		return err
	}
	if sb == BackendInMemory {
		return nil
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("malformed storage endpoint '%s'", cfg.Endpoint)
	}
	if cfg.Migrations == "" && requireMigrations {
		return fmt.Errorf("invalid path to migrations '%s'", cfg.Migrations)
	}
	return nil
}

// LogConfig contains the logging configuration.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
	File   string `koanf:"file"`
}

// Validate validates the logging configuration.
func (cfg *LogConfig) Validate() error {
	var format log.Format
	if err := format.Set(cfg.Format); err != nil {
		return err
	}
	var level log.Level
	return level.Set(cfg.Level)
}

// MetricsConfig contains the metrics configuration.
type MetricsConfig struct {
	PullEndpoint string `koanf:"pull_endpoint"`

	// PprofEndpoint, if set, serves the runtime profiler.
	PprofEndpoint string `koanf:"pprof_endpoint"`
}

// Validate validates the metrics configuration.
func (cfg *MetricsConfig) Validate() error {
	if cfg.PullEndpoint == "" {
		return fmt.Errorf("malformed Prometheus pull endpoint '%s'", cfg.PullEndpoint)
	}
	return nil
}

// defaults apply to the analysis section when it is present.
var defaults = map[string]interface{}{
	"analysis.pipeline.batch_blocks":              1000,
	"analysis.verification.cache_max_size":        50_000,
	"analysis.verification.multicall_batch_size":  100,
	"analysis.metadata.ipfs_gateway":              "https://api.universalprofile.cloud/ipfs/",
	"analysis.metadata.fetch_limit":               1000,
	"analysis.metadata.fetch_batch_size":          250,
	"analysis.metadata.fetch_retry_count":         5,
	"analysis.metadata.fetch_retry_base_delay_ms": 1000,
	"analysis.metadata.worker_pool_size":          4,
	"analysis.metadata.request_timeout":           30 * time.Second,
	"analysis.storage.backend":                    "postgres",
}

// InitConfig initializes configuration from file.
func InitConfig(f string) (*Config, error) {
	return initConfig(file.Provider(f))
}

func initConfig(p koanf.Provider) (*Config, error) {
	var config Config
	k := koanf.New(".")

	// Load configuration from the yaml config.
	if err := k.Load(p, yaml.Parser()); err != nil {
		return nil, err
	}

	// Load environment variables and merge into the loaded config.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		// `__` is used as a hierarchy delimiter.
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	if k.Exists("analysis") {
		withDefaults := koanf.New(".")
		if err := withDefaults.Load(confmap.Provider(defaults, "."), nil); err != nil {
			return nil, err
		}
		if err := withDefaults.Merge(k); err != nil {
			return nil, err
		}
		k = withDefaults
	}

	// Unmarshal into config.
	if err := k.Unmarshal("", &config); err != nil {
		return nil, err
	}

	// Validate config.
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}
