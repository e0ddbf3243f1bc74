// Package eth implements the chain log source and the contract call
// transport over Ethereum JSON-RPC.
package eth

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/storage"
)

const moduleName = "eth"

// backend is the subset of ethclient.Client in use.
type backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Client talks to an RPC node, and optionally to a separate endpoint for
// bulk log queries. Requests to the node are rate limited.
type Client struct {
	rpc     backend
	logs    backend
	limiter *rate.Limiter
	logger  *log.Logger
}

var _ storage.LogSource = (*Client)(nil)

// NewClient dials rpcURL, and gatewayURL when it is not empty. A
// non-positive rateLimit disables rate limiting; otherwise it is the
// maximum number of requests per second.
func NewClient(ctx context.Context, rpcURL string, gatewayURL string, rateLimit float64, logger *log.Logger) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ethclient DialContext %s: %w", rpcURL, err)
	}
	var logs backend = rpc
	if gatewayURL != "" {
		gw, err := ethclient.DialContext(ctx, gatewayURL)
		if err != nil {
			rpc.Close()
			return nil, fmt.Errorf("ethclient DialContext %s: %w", gatewayURL, err)
		}
		logs = gw
	}
	return newClient(rpc, logs, rateLimit, logger), nil
}

func newClient(rpc backend, logs backend, rateLimit float64, logger *log.Logger) *Client {
	limit := rate.Inf
	burst := 1
	if rateLimit > 0 {
		limit = rate.Limit(rateLimit)
		burst = int(rateLimit)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		rpc:     rpc,
		logs:    logs,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.WithModule(moduleName),
	}
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// Name implements storage.LogSource.
func (c *Client) Name() string {
	return moduleName
}

// LatestHeight implements storage.LogSource.
func (c *Client) LatestHeight(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	height, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return height, nil
}

// CallContract executes a read-only call. It implements multicall.Caller.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.rpc.CallContract(ctx, msg, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("ethclient CallContract: %w", err)
	}
	return out, nil
}

type logKey struct {
	block uint64
	index uint
}

// Blocks implements storage.LogSource. Each subscription is one
// eth_getLogs query; blocks without matching logs are omitted.
func (c *Client) Blocks(ctx context.Context, from, to uint64, subs []storage.LogSubscription) ([]*storage.Block, error) {
	seen := map[logKey]struct{}{}
	byHeight := map[uint64]*storage.Block{}
	for _, sub := range subs {
		start := from
		if sub.FromBlock > start {
			start = sub.FromBlock
		}
		if start > to || len(sub.EventSignatures) == 0 {
			continue
		}
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		logs, err := c.logs.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: sub.Addresses,
			Topics:    [][]ethCommon.Hash{sub.EventSignatures},
		})
		if err != nil {
			return nil, fmt.Errorf("eth_getLogs [%d, %d]: %w", start, to, err)
		}
		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			key := logKey{lg.BlockNumber, lg.Index}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			b, ok := byHeight[lg.BlockNumber]
			if !ok {
				b = &storage.Block{Header: storage.Header{Height: lg.BlockNumber, Hash: lg.BlockHash}}
				byHeight[lg.BlockNumber] = b
			}
			b.Logs = append(b.Logs, lg)
		}
	}

	heights := make([]uint64, 0, len(byHeight))
	for h := range byHeight {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	blocks := make([]*storage.Block, len(heights))
	for i, h := range heights {
		b := byHeight[h]
		sort.Slice(b.Logs, func(i, j int) bool { return b.Logs[i].Index < b.Logs[j].Index })
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		header, err := c.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(h))
		if err != nil {
			return nil, fmt.Errorf("header %d: %w", h, err)
		}
		b.Header.Hash = header.Hash()
		b.Header.Timestamp = time.Unix(int64(header.Time), 0).UTC()
		blocks[i] = b
	}
	c.logger.Debug("fetched logs", "from", from, "to", to, "blocks", len(blocks), "logs", len(seen))
	return blocks, nil
}

// Close closes the underlying connections.
func (c *Client) Close() {
	c.rpc.Close()
	if c.logs != c.rpc {
		c.logs.Close()
	}
}
