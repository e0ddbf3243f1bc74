// Package multicall batches read-only contract calls through a Multicall3
// aggregator contract.
package multicall

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/chillwhales/lsp-indexer/analyzer/evmabi"
	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/metrics"
)

const (
	moduleName = "multicall"

	// DefaultAddress is where Multicall3 is deployed on most EVM chains.
	DefaultAddress = "0xcA11bde05977b3631167028862bE2a173976CA11"
	// DefaultBatchSize is the number of calls bundled into one aggregator call.
	DefaultBatchSize = 100
)

// Caller executes an eth_call. *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Call is a single read-only call to bundle.
type Call struct {
	Target   ethCommon.Address
	CallData []byte
}

// Outcome is the result of one Call. Err is set if the call could not be
// made at all, even on its own.
type Outcome struct {
	Success    bool
	ReturnData []byte
	Err        error
}

// OK reports whether the call succeeded and returned an ABI-encoded true.
func (o Outcome) OK() bool {
	if o.Err != nil || !o.Success {
		return false
	}
	values, err := evmabi.ERC165.Methods["supportsInterface"].Outputs.Unpack(o.ReturnData)
	if err != nil || len(values) != 1 {
		return false
	}
	b, ok := values[0].(bool)
	return ok && b
}

// call3 mirrors Multicall3.Call3.
type call3 struct {
	Target       ethCommon.Address
	AllowFailure bool
	CallData     []byte
}

// result3 mirrors Multicall3.Result.
type result3 struct {
	Success    bool
	ReturnData []byte
}

// Client issues aggregate3 calls.
type Client struct {
	caller    Caller
	address   ethCommon.Address
	batchSize int

	logger  *log.Logger
	metrics metrics.RequestMetrics
}

// NewClient creates a multicall client. A zero address or batch size takes
// the default.
func NewClient(caller Caller, address ethCommon.Address, batchSize int, logger *log.Logger) *Client {
	if address == (ethCommon.Address{}) {
		address = ethCommon.HexToAddress(DefaultAddress)
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Client{
		caller:    caller,
		address:   address,
		batchSize: batchSize,
		logger:    logger.WithModule(moduleName),
		metrics:   metrics.NewDefaultRequestMetrics(),
	}
}

// BatchSize returns the number of calls per aggregator call.
func (c *Client) BatchSize() int {
	return c.batchSize
}

// aggregate issues one aggregator call for the given calls.
func (c *Client) aggregate(ctx context.Context, level string, calls []Call) ([]Outcome, error) {
	outcomes, err := c.aggregateNoMetrics(ctx, calls)
	status := metrics.OperationStatusSuccess
	if err != nil {
		status = metrics.OperationStatusFailure
	}
	c.metrics.Multicalls(level, status).Inc()
	return outcomes, err
}

func (c *Client) aggregateNoMetrics(ctx context.Context, calls []Call) ([]Outcome, error) {
	args := make([]call3, len(calls))
	for i, call := range calls {
		args[i] = call3{Target: call.Target, AllowFailure: true, CallData: call.CallData}
	}
	data, err := evmabi.Multicall3.Pack("aggregate3", args)
	if err != nil {
		return nil, fmt.Errorf("packing aggregate3: %w", err)
	}

	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling aggregate3: %w", err)
	}

	var results []result3
	if err = evmabi.Multicall3.UnpackIntoInterface(&results, "aggregate3", out); err != nil {
		return nil, fmt.Errorf("unpacking aggregate3: %w", err)
	}
	if len(results) != len(calls) {
		return nil, fmt.Errorf("aggregate3 returned %d results for %d calls", len(results), len(calls))
	}

	outcomes := make([]Outcome, len(results))
	for i, r := range results {
		outcomes[i] = Outcome{Success: r.Success, ReturnData: r.ReturnData}
	}
	return outcomes, nil
}

func chunk(calls []Call, size int) [][]Call {
	chunks := make([][]Call, 0, (len(calls)+size-1)/size)
	for start := 0; start < len(calls); start += size {
		end := start + size
		if end > len(calls) {
			end = len(calls)
		}
		chunks = append(chunks, calls[start:end])
	}
	return chunks
}

// CallAll executes every call and returns one Outcome per call, in input
// order. Calls are chunked and all chunks are tried in parallel; chunks that
// fail are retried one by one; a chunk that fails again is split into single
// calls. A call that fails on its own gets an Outcome with Err set.
func (c *Client) CallAll(ctx context.Context, calls []Call) []Outcome {
	chunks := chunk(calls, c.batchSize)
	results := make([][]Outcome, len(chunks))
	errs := make([]error, len(chunks))

	var wg sync.WaitGroup
	for i, ch := range chunks {
		wg.Add(1)
		go func(i int, ch []Call) {
			defer wg.Done()
			results[i], errs[i] = c.aggregate(ctx, metrics.MulticallLevelParallel, ch)
		}(i, ch)
	}
	wg.Wait()

	for i, ch := range chunks {
		if errs[i] == nil {
			continue
		}
		c.logger.Warn("aggregate call failed, retrying chunk", "chunk", i, "size", len(ch), "err", errs[i])
		results[i], errs[i] = c.aggregate(ctx, metrics.MulticallLevelSequential, ch)
		if errs[i] == nil {
			continue
		}

		c.logger.Warn("chunk failed again, retrying calls one by one", "chunk", i, "size", len(ch), "err", errs[i])
		results[i] = make([]Outcome, len(ch))
		for j, call := range ch {
			single, err := c.aggregate(ctx, metrics.MulticallLevelSingle, []Call{call})
			if err != nil {
				c.logger.Warn("single call failed", "target", call.Target.Hex(), "err", err)
				results[i][j] = Outcome{Err: err}
				continue
			}
			results[i][j] = single[0]
		}
	}

	outcomes := make([]Outcome, 0, len(calls))
	for _, r := range results {
		outcomes = append(outcomes, r...)
	}
	return outcomes
}
