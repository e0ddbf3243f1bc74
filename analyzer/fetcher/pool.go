package fetcher

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/chillwhales/lsp-indexer/analyzer/pubclient"
	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/metrics"
)

const (
	moduleName = "fetcher"

	defaultSize         = 4
	defaultTimeout      = 30 * time.Second
	defaultBaseDelay    = 1000 * time.Millisecond
	defaultMaxBodyBytes = 4 << 20
)

// Config configures a Pool. Zero values take defaults.
type Config struct {
	// Size is the number of workers.
	Size int
	// IPFSGateway is prepended to the CID of ipfs:// URLs.
	IPFSGateway string
	// Timeout bounds every single attempt.
	Timeout time.Duration
	// MaxRetries is the number of redispatches a retryable failure gets.
	MaxRetries int
	// BaseDelay is the wait before the first redispatch; it doubles after
	// every round.
	BaseDelay time.Duration
	// MaxBodyBytes bounds the size of a fetched document.
	MaxBodyBytes int64
	// Client performs http(s) requests. nil means a client that refuses
	// non-public hosts.
	Client *http.Client
}

func (cfg *Config) applyDefaults() {
	if cfg.Size <= 0 {
		cfg.Size = defaultSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Client == nil {
		cfg.Client = pubclient.NewClient()
	}
}

// job is one worker's share of a dispatch round.
type job struct {
	ctx     context.Context
	indices []int
	reqs    []Request
	done    chan<- jobResult
}

type jobResult struct {
	indices []int
	results []Result
}

// Pool is a fixed set of fetch workers. It is safe for concurrent use by
// several callers; their rounds queue up on the same workers.
type Pool struct {
	cfg      Config
	resolver *resolver
	workers  []chan job
	wg       sync.WaitGroup

	// mu guards closed. FetchBatch holds it for reading for its whole
	// duration, so Shutdown waits for in-flight batches.
	mu     sync.RWMutex
	closed bool

	// sleep waits between retry rounds; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	logger  *log.Logger
	metrics metrics.RequestMetrics
}

// NewPool starts cfg.Size workers.
func NewPool(cfg Config, logger *log.Logger) *Pool {
	cfg.applyDefaults()
	logger = logger.WithModule(moduleName)
	p := &Pool{
		cfg: cfg,
		resolver: &resolver{
			client:       cfg.Client,
			ipfsGateway:  cfg.IPFSGateway,
			maxBodyBytes: cfg.MaxBodyBytes,
			logger:       logger,
		},
		workers: make([]chan job, cfg.Size),
		sleep:   sleepContext,
		logger:  logger,
		metrics: metrics.NewDefaultRequestMetrics(),
	}
	for i := range p.workers {
		jobs := make(chan job)
		p.workers[i] = jobs
		p.wg.Add(1)
		go p.work(jobs)
	}
	logger.Info("started fetch workers", "size", cfg.Size, "max_retries", cfg.MaxRetries)
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// work serves jobs until the channel is closed. Requests of one job are
// resolved concurrently.
func (p *Pool) work(jobs <-chan job) {
	defer p.wg.Done()
	for j := range jobs {
		results := make([]Result, len(j.reqs))
		var wg sync.WaitGroup
		for i, req := range j.reqs {
			wg.Add(1)
			go func(i int, req Request) {
				defer wg.Done()
				results[i] = p.attempt(j.ctx, req)
			}(i, req)
		}
		wg.Wait()
		j.done <- jobResult{indices: j.indices, results: results}
	}
}

// attempt resolves a request once.
func (p *Pool) attempt(ctx context.Context, req Request) Result {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	timer := p.metrics.FetchTimer(scheme(req.URL))
	data, err := p.resolver.resolve(attemptCtx, req.URL)
	timer.ObserveDuration()

	res := Result{ID: req.ID, EntityType: req.EntityType, Request: req}
	if err != nil {
		c := classify(ctx, err)
		res.Error = err.Error()
		res.ErrorCode = c.code
		res.StatusCode = c.statusCode
		res.Retryable = c.retryable
		return res
	}
	res.Success = true
	res.Data = data
	return res
}

// distribute splits reqs round-robin into at most n chunks whose sizes
// differ by at most one. Each chunk carries the input indices of its requests.
func distribute(reqs []Request, n int) ([][]int, [][]Request) {
	if n > len(reqs) {
		n = len(reqs)
	}
	indices := make([][]int, n)
	chunks := make([][]Request, n)
	for i, r := range reqs {
		w := i % n
		indices[w] = append(indices[w], i)
		chunks[w] = append(chunks[w], r)
	}
	return indices, chunks
}

// dispatch runs one round: every request is tried exactly once.
func (p *Pool) dispatch(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return results
	}
	indices, chunks := distribute(reqs, len(p.workers))
	done := make(chan jobResult, len(chunks))

	sent := 0
	for w := range chunks {
		select {
		case p.workers[w] <- job{ctx: ctx, indices: indices[w], reqs: chunks[w], done: done}:
			sent++
		case <-ctx.Done():
			for _, idx := range indices[w] {
				results[idx] = Result{
					ID:         reqs[idx].ID,
					EntityType: reqs[idx].EntityType,
					Error:      ctx.Err().Error(),
					ErrorCode:  CodeCancelled,
					Request:    reqs[idx],
				}
			}
		}
	}
	for ; sent > 0; sent-- {
		jr := <-done
		for i, idx := range jr.indices {
			results[idx] = jr.results[i]
		}
	}
	return results
}

// FetchBatch fetches every request and returns exactly one result per
// request, in input order. Retryable failures are redispatched after
// BaseDelay*2^round, at most MaxRetries times.
func (p *Pool) FetchBatch(ctx context.Context, reqs []Request) ([]Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	final := make([]Result, len(reqs))
	pending := make([]int, len(reqs))
	for i := range reqs {
		pending[i] = i
	}

	for round := 0; len(pending) > 0; round++ {
		batch := make([]Request, len(pending))
		for i, idx := range pending {
			batch[i] = reqs[idx]
		}
		results := p.dispatch(ctx, batch)

		retry := []int{}
		for i, res := range results {
			idx := pending[i]
			res.Attempts = round + 1
			final[idx] = res
			if !res.Success && res.Retryable && round < p.cfg.MaxRetries {
				retry = append(retry, idx)
			}
		}
		if len(retry) == 0 {
			break
		}

		delay := p.cfg.BaseDelay * time.Duration(1<<round)
		p.logger.Info("retrying metadata fetches",
			"count", len(retry),
			"round", round,
			"delay", delay,
		)
		if err := p.sleep(ctx, delay); err != nil {
			// The last retryable failure of each request stands as final.
			break
		}
		for _, idx := range retry {
			p.metrics.FetchRetries(reqs[idx].EntityType).Inc()
		}
		pending = retry
	}

	for _, res := range final {
		status := metrics.OperationStatusSuccess
		if !res.Success {
			status = metrics.OperationStatusFailure
		}
		p.metrics.FetchResults(res.EntityType, status, res.ErrorCode).Inc()
	}
	return final, nil
}

// Shutdown stops every worker once in-flight batches finish. Later calls to
// FetchBatch fail with ErrPoolClosed.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, jobs := range p.workers {
		close(jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("fetch workers stopped")
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}
